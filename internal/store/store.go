package store

import (
	"database/sql"
	"errors"
)

// Sentinel errors returned by the store. Callers branch with errors.Is.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrInvalidParticipants  = errors.New("at least two distinct participants required")
	ErrLiveChatNotFound     = errors.New("live chat not found")
	ErrAlreadyAssigned      = errors.New("live chat already assigned")
	ErrReportNotFound       = errors.New("report not found")
)

// Store owns conversation, message, live-chat and report persistence. It has
// no side effects beyond the database and never notifies anyone; delivery is
// the Dispatcher's job.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
