package models

import "time"

// Message is one immutable entry in a conversation. IDs are assigned by the
// store at persistence time and never reused; attachments hold opaque URLs
// resolved by the upload service.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	Attachments    []string  `json:"attachments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
