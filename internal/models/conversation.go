package models

import "time"

// ConversationStatus tracks whether a conversation still accepts messages.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Context kinds a conversation can be attached to. The key is opaque to the
// core and only echoed back in payloads for UI linking.
const (
	ContextNone   = ""
	ContextOrder  = "order"
	ContextReport = "report"
)

// Placeholder participant identities. They occupy a participant slot but
// never receive direct deliveries.
const (
	IdentityAssistant    = "assistant"
	IdentitySupport      = "support"
	IdentityAgentPending = "agent_pending"
)

// Conversation groups an ordered set of messages between participants.
type Conversation struct {
	ID           int64              `json:"id"`
	Participants []string           `json:"participants"`
	Status       ConversationStatus `json:"status"`
	ContextKind  string             `json:"context_kind,omitempty"`
	ContextKey   string             `json:"context_key,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// HasParticipant reports whether the identity holds a participant slot.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}
