package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boostchat/internal/auth"
	"boostchat/internal/config"
	"boostchat/internal/dispatch"
	"boostchat/internal/models"
	"boostchat/internal/storage"
	"boostchat/internal/store"
)

type recordedEvent struct {
	target string // user id, or "agents"
	event  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *fakeNotifier) Notify(userID, event string, payload any) {
	n.record(userID, event)
}

func (n *fakeNotifier) NotifyMany(userIDs []string, event string, payload any) {
	for _, id := range userIDs {
		n.record(id, event)
	}
}

func (n *fakeNotifier) NotifyAgents(event string, payload any) {
	n.record("agents", event)
}

func (n *fakeNotifier) record(target, event string) {
	n.mu.Lock()
	n.events = append(n.events, recordedEvent{target: target, event: event})
	n.mu.Unlock()
}

func (n *fakeNotifier) sent(target, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.target == target && e.event == event {
			count++
		}
	}
	return count
}

// inlineRunner runs completions on the caller's goroutine so tests are
// deterministic.
type inlineRunner struct{ err error }

func (r inlineRunner) Submit(fn func()) error {
	if r.err != nil {
		return r.err
	}
	fn()
	return nil
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f fakeCompleter) Complete(ctx context.Context, history []*models.Message) (string, error) {
	return f.reply, f.err
}

func newTestService(t *testing.T, notifier Notifier, completer Completer, runner Runner) *Service {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(store.New(db), notifier, completer, runner, time.Second, nil, nil)
}

func TestSendMessageFanOut(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == 0 || msg.Sender != "alice" {
		t.Fatalf("message not persisted: %#v", msg)
	}

	if notifier.sent("bob", dispatch.EventNewMessage) != 1 {
		t.Fatalf("bob missed newMessage: %#v", notifier.events)
	}
	if notifier.sent("alice", dispatch.EventNewMessage) != 0 {
		t.Fatalf("sender must not be notified of own message")
	}
}

func TestSendMessageForbidden(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "mallory"}, "hi", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, conv.ID, auth.Identity{UserID: "mallory"}, 0, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on read, got %v", err)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("forbidden sends must not notify anyone")
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc := newTestService(t, &fakeNotifier{}, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "   ", nil); err == nil {
		t.Fatalf("blank body must be rejected")
	}
	// Attachment-only messages are allowed.
	if _, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "", []string{"s3://x"}); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
	if _, err := svc.SendMessage(ctx, 9999, auth.Identity{UserID: "alice"}, "hi", nil); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSendMessageClosedConversation(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := svc.CloseConversation(ctx, conv.ID, auth.Identity{UserID: "alice"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "too late", nil); !errors.Is(err, store.ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
}

func TestSupportConversationFansToAgents(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", models.IdentitySupport}, models.ContextReport, "order-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.SendMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "my booster vanished", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if notifier.sent("agents", dispatch.EventNewMessage) != 1 {
		t.Fatalf("support slot must fan to agents: %#v", notifier.events)
	}

	// Any agent can reply into the ticket without being a listed participant.
	agent := auth.Identity{UserID: "agent_a", Roles: []string{auth.RoleAgent}}
	if _, err := svc.SendMessage(ctx, conv.ID, agent, "on it", nil); err != nil {
		t.Fatalf("agent reply: %v", err)
	}
	if notifier.sent("alice", dispatch.EventNewMessage) != 1 {
		t.Fatalf("reporter missed agent reply: %#v", notifier.events)
	}
}

func TestAssistantTurnSuccess(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, fakeCompleter{reply: "use the orders page"}, inlineRunner{})
	ctx := context.Background()

	conv, err := svc.CreateAssistantConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create assistant conversation: %v", err)
	}
	if !conv.HasParticipant(models.IdentityAssistant) {
		t.Fatalf("assistant slot missing: %#v", conv.Participants)
	}

	if _, err := svc.SendAssistantMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "where is my order"); err != nil {
		t.Fatalf("send assistant message: %v", err)
	}

	if notifier.sent("alice", dispatch.EventNewAIMessage) != 1 {
		t.Fatalf("expected newAIMessage: %#v", notifier.events)
	}
	// The assistant slot itself must never be a delivery target.
	if notifier.sent(models.IdentityAssistant, dispatch.EventNewMessage) != 0 {
		t.Fatalf("assistant slot received an event")
	}

	msgs, err := svc.ListMessages(ctx, conv.ID, auth.Identity{UserID: "alice"}, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Sender != models.IdentityAssistant || msgs[1].Body != "use the orders page" {
		t.Fatalf("assistant reply not persisted: %#v", msgs)
	}
}

func TestAssistantTurnFailureEmitsAIError(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, fakeCompleter{err: errors.New("upstream down")}, inlineRunner{})
	ctx := context.Background()

	conv, err := svc.CreateAssistantConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create assistant conversation: %v", err)
	}
	msg, err := svc.SendAssistantMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "hello")
	if err != nil {
		t.Fatalf("user turn must still succeed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatalf("user message not persisted")
	}
	if notifier.sent("alice", dispatch.EventAIError) != 1 {
		t.Fatalf("expected aiError: %#v", notifier.events)
	}

	// Only the user's message is durable.
	msgs, err := svc.ListMessages(ctx, conv.ID, auth.Identity{UserID: "alice"}, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("failed completion must not persist a reply: %#v", msgs)
	}
}

func TestAssistantBusyPool(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, notifier, fakeCompleter{reply: "hi"}, inlineRunner{err: errors.New("queue full")})
	ctx := context.Background()

	conv, err := svc.CreateAssistantConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("create assistant conversation: %v", err)
	}
	if _, err := svc.SendAssistantMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "hello"); err != nil {
		t.Fatalf("send must succeed even when pool is busy: %v", err)
	}
	if notifier.sent("alice", dispatch.EventAIError) != 1 {
		t.Fatalf("busy pool must emit aiError: %#v", notifier.events)
	}
}

func TestAssistantOnNonAssistantConversation(t *testing.T) {
	svc := newTestService(t, &fakeNotifier{}, fakeCompleter{reply: "hi"}, inlineRunner{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.SendAssistantMessage(ctx, conv.ID, auth.Identity{UserID: "alice"}, "hello"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAgentsMayReadAnyConversation(t *testing.T) {
	svc := newTestService(t, &fakeNotifier{}, nil, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, []string{"alice", "bob"}, "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	agent := auth.Identity{UserID: "agent_a", Roles: []string{auth.RoleAgent}}
	if _, err := svc.ListMessages(ctx, conv.ID, agent, 0, 0); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	// Reading is allowed; writing into a private chat is not.
	if _, err := svc.SendMessage(ctx, conv.ID, agent, "hi", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for agent write, got %v", err)
	}
}
