package models

import "time"

// ReportStatus tracks a ticket's lifecycle.
type ReportStatus string

const (
	ReportOpen     ReportStatus = "open"
	ReportResolved ReportStatus = "resolved"
)

// Report is a ticket escalation. Each report owns one conversation between
// the reporter and the support staff.
type Report struct {
	ID             int64        `json:"id"`
	Reporter       string       `json:"reporter"`
	OrderKey       string       `json:"order_key,omitempty"`
	Subject        string       `json:"subject"`
	Status         ReportStatus `json:"status"`
	ConversationID int64        `json:"conversation_id"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ReportWithConversation is the agent-view read shape: a report with its
// nested conversation and message history.
type ReportWithConversation struct {
	Report       Report       `json:"report"`
	Conversation Conversation `json:"conversation"`
	Messages     []*Message   `json:"messages"`
}
