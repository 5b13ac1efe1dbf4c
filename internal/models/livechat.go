package models

import "time"

// LiveChatStatus is the assignment state machine: waiting → in_progress →
// closed, with closed reachable from either prior state.
type LiveChatStatus string

const (
	LiveChatWaiting    LiveChatStatus = "waiting"
	LiveChatInProgress LiveChatStatus = "in_progress"
	LiveChatClosed     LiveChatStatus = "closed"
)

// LiveChat is a support conversation that must be claimed by exactly one
// agent before replies are allowed. AssignedAgent is non-empty iff the status
// is in_progress.
type LiveChat struct {
	ID             int64          `json:"id"`
	Requester      string         `json:"requester"`
	Subject        string         `json:"subject"`
	AssignedAgent  string         `json:"assigned_agent,omitempty"`
	ConversationID int64          `json:"conversation_id"`
	Status         LiveChatStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}
