// Package reconcile implements the optimistic-update protocol every chat
// surface follows: insert a provisional message immediately, replace it with
// the server's authoritative copy on success, roll it back on failure, and
// de-duplicate the event stream by authoritative id. Frontends embed this as
// the reference behavior; the Go implementation doubles as the executable
// contract.
package reconcile

import (
	"fmt"
	"sort"
	"time"
)

// TempIDPrefix marks client-generated provisional ids.
const TempIDPrefix = "temp_"

// Message is the client-visible slice of a persisted message: the
// authoritative id and timestamp drive ordering and de-duplication.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one row of the local view. Pending entries carry only a temp id;
// settled entries carry the authoritative message.
type Entry struct {
	TempID  string
	Pending bool
	Message Message
}

// NewTempID mints a provisional id. Uniqueness only matters within one
// client session.
func NewTempID() string {
	return fmt.Sprintf("%s%d", TempIDPrefix, time.Now().UnixNano())
}

// View is the ordered local message list for one conversation. Not safe for
// concurrent use; a client owns one view per open conversation.
type View struct {
	entries []Entry
	byID    map[int64]struct{}
	byTemp  map[string]int
}

// NewView returns an empty view.
func NewView() *View {
	return &View{
		byID:   make(map[int64]struct{}),
		byTemp: make(map[string]int),
	}
}

// AppendProvisional inserts a not-yet-persisted message at the end of the
// view (the zero-latency echo) and returns its temp id.
func (v *View) AppendProvisional(sender, body string) string {
	tempID := NewTempID()
	v.byTemp[tempID] = len(v.entries)
	v.entries = append(v.entries, Entry{
		TempID:  tempID,
		Pending: true,
		Message: Message{Sender: sender, Body: body, CreatedAt: time.Now()},
	})
	return tempID
}

// Confirm replaces the provisional entry with the server's authoritative
// message. If the event stream already delivered the same id, the provisional
// entry is simply dropped; if the temp id is unknown (already reconciled),
// Confirm degrades to Ingest. Idempotent per authoritative id.
func (v *View) Confirm(tempID string, msg Message) {
	idx, ok := v.byTemp[tempID]
	if !ok {
		v.Ingest(msg)
		return
	}
	delete(v.byTemp, tempID)

	if _, dup := v.byID[msg.ID]; dup {
		v.removeAt(idx)
		return
	}
	v.entries[idx] = Entry{Message: msg}
	v.byID[msg.ID] = struct{}{}
	v.resort()
}

// Fail rolls back the provisional entry after a failed send. Unknown temp
// ids are a no-op.
func (v *View) Fail(tempID string) {
	idx, ok := v.byTemp[tempID]
	if !ok {
		return
	}
	delete(v.byTemp, tempID)
	v.removeAt(idx)
}

// Ingest applies a message delivered by the event stream. Duplicates by
// authoritative id are no-ops, so an event for a message the client just
// reconciled changes nothing.
func (v *View) Ingest(msg Message) {
	if _, dup := v.byID[msg.ID]; dup {
		return
	}
	v.byID[msg.ID] = struct{}{}
	v.entries = append(v.entries, Entry{Message: msg})
	v.resort()
}

// Messages returns the settled view in created_at order (ties by id), with
// pending entries rendered after all settled ones.
func (v *View) Messages() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// HasPending reports whether any provisional entry remains.
func (v *View) HasPending() bool {
	return len(v.byTemp) > 0
}

// resort keeps settled entries ordered by (created_at, id) with pending
// entries trailing in insertion order, then rebuilds the temp index.
func (v *View) resort() {
	sort.SliceStable(v.entries, func(i, j int) bool {
		a, b := v.entries[i], v.entries[j]
		if a.Pending != b.Pending {
			return !a.Pending
		}
		if a.Pending {
			return false
		}
		if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
			return a.Message.CreatedAt.Before(b.Message.CreatedAt)
		}
		return a.Message.ID < b.Message.ID
	})
	v.reindex()
}

func (v *View) removeAt(idx int) {
	v.entries = append(v.entries[:idx], v.entries[idx+1:]...)
	v.reindex()
}

func (v *View) reindex() {
	for i, e := range v.entries {
		if e.Pending {
			v.byTemp[e.TempID] = i
		}
	}
}
