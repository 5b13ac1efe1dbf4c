package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"boostchat/internal/auth"
	"boostchat/internal/dispatch"
	"boostchat/internal/models"
	"boostchat/internal/store"
	"boostchat/internal/telemetry"
)

// ErrForbidden is returned when the actor is not allowed to act on the
// conversation.
var ErrForbidden = errors.New("not a participant of this conversation")

// ErrUpstreamTimeout marks an assistant completion that ran out of time. It
// is reported to the client as an aiError event, never as a request failure.
var ErrUpstreamTimeout = errors.New("completion upstream timed out")

// Notifier is the slice of the Dispatcher the service needs. All server-to-
// client pushes flow through it; the service never touches sockets.
type Notifier interface {
	Notify(userID, event string, payload any)
	NotifyMany(userIDs []string, event string, payload any)
	NotifyAgents(event string, payload any)
}

// Completer is the external assistant collaborator: given prior turns it
// returns a reply or fails. Calls are bounded by the service's timeout.
type Completer interface {
	Complete(ctx context.Context, history []*models.Message) (string, error)
}

// Runner schedules completion work off the request goroutine.
type Runner interface {
	Submit(fn func()) error
}

// Service validates send requests, persists them through the store, and asks
// the notifier to hint the other participants. Shared by all four chat
// surfaces.
type Service struct {
	store             *store.Store
	notifier          Notifier
	completer         Completer
	runner            Runner
	completionTimeout time.Duration
	metrics           *telemetry.Metrics
	logger            *slog.Logger
}

// NewService wires a conversation service. completer, runner and metrics may
// be nil; the assistant surface then reports aiError for every turn.
func NewService(st *store.Store, notifier Notifier, completer Completer, runner Runner, completionTimeout time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	if completionTimeout <= 0 {
		completionTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:             st,
		notifier:          notifier,
		completer:         completer,
		runner:            runner,
		completionTimeout: completionTimeout,
		metrics:           metrics,
		logger:            logger.With("component", "chat"),
	}
}

// Store exposes the backing store for read endpoints.
func (s *Service) Store() *store.Store {
	return s.store
}

// CreateConversation opens a conversation between the given participants
// with an optional context key for UI linking.
func (s *Service) CreateConversation(ctx context.Context, participants []string, contextKind, contextKey string) (*models.Conversation, error) {
	return s.store.CreateConversation(ctx, participants, contextKind, contextKey)
}

// CreateAssistantConversation opens the automated-assistant surface for a
// user: a conversation between the user and the bot identity.
func (s *Service) CreateAssistantConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	return s.store.CreateConversation(ctx, []string{userID, models.IdentityAssistant}, models.ContextNone, "")
}

// SendMessage validates, persists and fans out one message.
//
// Validation order matters: participant check first (Forbidden), then the
// closed check surfaces from the store (ConversationClosed). The returned
// message is the client's reconciliation anchor.
func (s *Service) SendMessage(ctx context.Context, conversationID int64, sender auth.Identity, body string, attachments []string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" && len(attachments) == 0 {
		return nil, errors.New("message body is required")
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !s.maySend(conv, sender) {
		return nil, ErrForbidden
	}

	msg, err := s.store.AppendMessage(ctx, conversationID, sender.UserID, body, attachments)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MessagesPersisted.WithLabelValues(surface(conv)).Inc()
	}

	s.fanOut(conv, sender.UserID, dispatch.EventNewMessage, MessagePayload(conv, msg))
	return msg, nil
}

// SendAssistantMessage persists the user's turn, then runs the completion
// collaborator off-request with a bounded deadline. Success emits
// newAIMessage with the persisted bot reply; failure or timeout emits
// aiError. Either way the user's message is already durable when this
// returns.
func (s *Service) SendAssistantMessage(ctx context.Context, conversationID int64, sender auth.Identity, body string) (*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(models.IdentityAssistant) {
		return nil, ErrForbidden
	}

	msg, err := s.SendMessage(ctx, conversationID, sender, body, nil)
	if err != nil {
		return nil, err
	}

	run := func() { s.completeTurn(conversationID, sender.UserID) }
	if s.runner != nil {
		if err := s.runner.Submit(run); err != nil {
			s.logger.Warn("completion pool rejected turn", "conversation_id", conversationID, "error", err)
			s.notifyAIError(sender.UserID, conversationID, "assistant is busy, please retry")
		}
	} else {
		go run()
	}
	return msg, nil
}

// ListMessages reads paginated history. afterID is the cursor returned by the
// previous page; limit caps the page size.
func (s *Service) ListMessages(ctx context.Context, conversationID int64, actor auth.Identity, afterID int64, limit int) ([]*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !s.mayRead(conv, actor) {
		return nil, ErrForbidden
	}
	return s.store.ListMessages(ctx, conversationID, afterID, limit)
}

// CloseConversation closes the conversation for further writes. Idempotent.
func (s *Service) CloseConversation(ctx context.Context, conversationID int64, actor auth.Identity) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !s.mayRead(conv, actor) {
		return ErrForbidden
	}
	return s.store.CloseConversation(ctx, conversationID)
}

// maySend allows participants, and support agents on conversations carrying
// the support placeholder slot (ticket chats are a shared staff inbox).
func (s *Service) maySend(conv *models.Conversation, actor auth.Identity) bool {
	if conv.HasParticipant(actor.UserID) {
		return true
	}
	return actor.HasRole(auth.RoleAgent) && conv.HasParticipant(models.IdentitySupport)
}

func (s *Service) mayRead(conv *models.Conversation, actor auth.Identity) bool {
	return s.maySend(conv, actor) || actor.HasRole(auth.RoleAgent) || actor.HasRole(auth.RoleAdmin)
}

// fanOut resolves the receivers for an event: every participant except the
// sender, where placeholder slots have their own rules. The assistant and
// unassigned-agent slots receive nothing; the support slot fans out to all
// online agents.
func (s *Service) fanOut(conv *models.Conversation, senderID, event string, payload any) {
	var direct []string
	fanAgents := false
	for _, p := range conv.Participants {
		switch p {
		case senderID:
		case models.IdentityAssistant, models.IdentityAgentPending:
		case models.IdentitySupport:
			fanAgents = true
		default:
			direct = append(direct, p)
		}
	}
	if len(direct) > 0 {
		s.notifier.NotifyMany(direct, event, payload)
	}
	if fanAgents {
		s.notifier.NotifyAgents(event, payload)
	}
}

func (s *Service) completeTurn(conversationID int64, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.completionTimeout)
	defer cancel()

	if s.completer == nil {
		s.notifyAIError(userID, conversationID, "assistant is not configured")
		return
	}

	history, err := s.store.ListMessages(ctx, conversationID, 0, 0)
	if err != nil {
		s.logger.Warn("load history for completion failed", "conversation_id", conversationID, "error", err)
		s.notifyAIError(userID, conversationID, "assistant is unavailable, please retry")
		return
	}

	reply, err := s.completer.Complete(ctx, history)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrUpstreamTimeout
		}
		s.logger.Warn("completion failed", "conversation_id", conversationID, "error", err)
		if s.metrics != nil {
			s.metrics.CompletionErrors.Inc()
		}
		s.notifyAIError(userID, conversationID, "assistant is unavailable, please retry")
		return
	}

	// Persist outside the completion deadline; a slow model must not be able
	// to starve the durable write.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	botMsg, err := s.store.AppendMessage(persistCtx, conversationID, models.IdentityAssistant, reply, nil)
	if err != nil {
		s.logger.Warn("persist assistant reply failed", "conversation_id", conversationID, "error", err)
		s.notifyAIError(userID, conversationID, "assistant is unavailable, please retry")
		return
	}
	if s.metrics != nil {
		s.metrics.MessagesPersisted.WithLabelValues("assistant").Inc()
	}
	s.notifier.Notify(userID, dispatch.EventNewAIMessage, map[string]any{
		"message": botMsg,
	})
}

func (s *Service) notifyAIError(userID string, conversationID int64, msg string) {
	s.notifier.Notify(userID, dispatch.EventAIError, map[string]any{
		"conversation_id": conversationID,
		"error":           msg,
	})
}

// MessagePayload is the event body for newMessage and liveChatMessage,
// echoing the conversation context so UIs can deep-link.
func MessagePayload(conv *models.Conversation, msg *models.Message) map[string]any {
	payload := map[string]any{
		"message": msg,
	}
	if conv.ContextKind != models.ContextNone {
		payload["context_kind"] = conv.ContextKind
		payload["context_key"] = conv.ContextKey
	}
	return payload
}

func surface(conv *models.Conversation) string {
	switch {
	case conv.HasParticipant(models.IdentityAssistant):
		return "assistant"
	case conv.HasParticipant(models.IdentitySupport):
		return "report"
	case conv.HasParticipant(models.IdentityAgentPending):
		return "livechat"
	case conv.ContextKind != models.ContextNone:
		return conv.ContextKind
	default:
		return "direct"
	}
}