package livechat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"boostchat/internal/auth"
	"boostchat/internal/chat"
	"boostchat/internal/dispatch"
	"boostchat/internal/models"
	"boostchat/internal/store"
)

// ErrSubjectRequired rejects live-chat requests without a subject line.
var ErrSubjectRequired = errors.New("subject is required")

// Engine runs the live-support queue: a pool of waiting chats plus the
// waiting → in_progress → closed state machine. At most one agent ever holds
// an assignment; the check-and-set lives in the store so concurrent claims
// race on a single row update.
type Engine struct {
	store    *store.Store
	chat     *chat.Service
	notifier chat.Notifier
	logger   *slog.Logger
}

// NewEngine wires the assignment engine.
func NewEngine(st *store.Store, chatSvc *chat.Service, notifier chat.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		chat:     chatSvc,
		notifier: notifier,
		logger:   logger.With("component", "livechat"),
	}
}

// Create opens a waiting live chat for the requester. The backing
// conversation starts with the requester plus the unassigned-agent
// placeholder slot; every online agent is told about the new ticket.
func (e *Engine) Create(ctx context.Context, requester auth.Identity, subject, firstMessage string) (*models.LiveChat, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrSubjectRequired
	}

	conv, err := e.store.CreateConversation(ctx,
		[]string{requester.UserID, models.IdentityAgentPending},
		models.ContextNone, "",
	)
	if err != nil {
		return nil, err
	}
	chatRec, err := e.store.CreateLiveChat(ctx, requester.UserID, subject, conv.ID)
	if err != nil {
		return nil, err
	}

	var first *models.Message
	if msg := strings.TrimSpace(firstMessage); msg != "" {
		first, err = e.store.AppendMessage(ctx, conv.ID, requester.UserID, msg, nil)
		if err != nil {
			return nil, err
		}
	}

	payload := map[string]any{"live_chat": chatRec}
	if first != nil {
		payload["first_message"] = first
	}
	e.notifier.NotifyAgents(dispatch.EventNewLiveChat, payload)
	e.logger.Info("live chat created", "chat_id", chatRec.ID, "requester", requester.UserID)
	return chatRec, nil
}

// Assign claims a waiting chat for the agent. First writer wins: the losing
// claimant gets ErrAlreadyAssigned and its UI retracts the ticket. On
// success the agent takes the placeholder's participant slot and everyone
// watching the queue is told to update.
func (e *Engine) Assign(ctx context.Context, chatID int64, agent auth.Identity) (*models.LiveChat, error) {
	if !agent.HasRole(auth.RoleAgent) {
		return nil, chat.ErrForbidden
	}

	updated, err := e.store.AssignLiveChat(ctx, chatID, agent.UserID)
	if err != nil {
		return nil, err
	}

	if err := e.store.AddParticipant(ctx, updated.ConversationID, agent.UserID); err != nil {
		return nil, err
	}
	if err := e.store.RemoveParticipant(ctx, updated.ConversationID, models.IdentityAgentPending); err != nil {
		return nil, err
	}

	payload := map[string]any{"live_chat": updated}
	e.notifier.Notify(updated.Requester, dispatch.EventLiveChatUpdated, payload)
	e.notifier.NotifyAgents(dispatch.EventLiveChatUpdated, payload)
	e.logger.Info("live chat assigned", "chat_id", chatID, "agent", agent.UserID)
	return updated, nil
}

// Send posts a message into the chat's conversation. The requester gets the
// chat-scoped liveChatMessage event (unless they sent it), and agents
// observing the ticket list get the same rebroadcast.
func (e *Engine) Send(ctx context.Context, chatID int64, sender auth.Identity, body string) (*models.Message, error) {
	chatRec, err := e.store.GetLiveChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	msg, err := e.chat.SendMessage(ctx, chatRec.ConversationID, sender, body, nil)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"chat_id": chatRec.ID,
		"message": msg,
	}
	if sender.UserID != chatRec.Requester {
		e.notifier.Notify(chatRec.Requester, dispatch.EventLiveChatMessage, payload)
	}
	e.notifier.NotifyAgents(dispatch.EventLiveChatMessage, payload)
	return msg, nil
}

// Close ends the chat. Only the requester or the assigned agent may close;
// the backing conversation is closed with it so further sends fail.
func (e *Engine) Close(ctx context.Context, chatID int64, closer auth.Identity) (*models.LiveChat, error) {
	chatRec, err := e.store.GetLiveChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if closer.UserID != chatRec.Requester && closer.UserID != chatRec.AssignedAgent {
		return nil, chat.ErrForbidden
	}

	updated, err := e.store.CloseLiveChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := e.store.CloseConversation(ctx, chatRec.ConversationID); err != nil {
		return nil, err
	}

	payload := map[string]any{"live_chat": updated}
	e.notifier.Notify(updated.Requester, dispatch.EventLiveChatClosed, payload)
	if updated.AssignedAgent != "" {
		e.notifier.Notify(updated.AssignedAgent, dispatch.EventLiveChatClosed, payload)
	}
	e.notifier.NotifyAgents(dispatch.EventLiveChatUpdated, payload)
	e.logger.Info("live chat closed", "chat_id", chatID, "closer", closer.UserID)
	return updated, nil
}

// List returns every live chat; the agent queue view.
func (e *Engine) List(ctx context.Context) ([]*models.LiveChat, error) {
	return e.store.ListLiveChats(ctx)
}

// ListMine returns the requester's own chats.
func (e *Engine) ListMine(ctx context.Context, requester auth.Identity) ([]*models.LiveChat, error) {
	return e.store.ListLiveChatsByRequester(ctx, requester.UserID)
}

// Queue returns the unclaimed chats, oldest first.
func (e *Engine) Queue(ctx context.Context) ([]*models.LiveChat, error) {
	return e.store.ListWaitingLiveChats(ctx)
}
