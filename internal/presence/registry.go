package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Handle is one live connection for a user. Deliver must not block; slow
// consumers drop rather than stall the registry's callers.
type Handle interface {
	ID() string
	Deliver(event string, payload any) error
}

// Mirror receives best-effort copies of online/offline transitions so other
// processes can answer presence queries. Implemented by the redis client
// wrapper; may be nil.
type Mirror interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
}

// MirrorKey is the redis set holding the mirrored online-user ids. The
// registry rebuilds empty on restart, so the process owning it clears the set
// at startup.
const MirrorKey = "boostchat:online_users"

type entry struct {
	roles   map[string]struct{}
	handles map[string]Handle
}

// Registry maps a user identity to its live connection handles. A user is
// online iff it has at least one handle. This is the single piece of shared
// mutable state in the core; every mutation goes through one mutex and reads
// copy out snapshots. Nothing is persisted; state is rebuilt from scratch on
// restart.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]*entry
	byConn  map[string]string // handle id → user id
	mirror  Mirror
	logger  *slog.Logger
	timeout time.Duration
}

// NewRegistry creates an empty registry. mirror may be nil.
func NewRegistry(mirror Mirror, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		users:   make(map[string]*entry),
		byConn:  make(map[string]string),
		mirror:  mirror,
		logger:  logger.With("component", "presence"),
		timeout: 2 * time.Second,
	}
}

// Register adds a handle for the user. Idempotent for the same handle id.
// Roles come from the session provider at connect time and index the "all
// online agents" query. Returns true if the user just came online.
func (r *Registry) Register(userID string, roles []string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}
	r.mu.Lock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{
			roles:   make(map[string]struct{}),
			handles: make(map[string]Handle),
		}
		r.users[userID] = e
	}
	wasOffline := len(e.handles) == 0
	e.handles[h.ID()] = h
	for _, role := range roles {
		e.roles[role] = struct{}{}
	}
	r.byConn[h.ID()] = userID
	r.mu.Unlock()

	if wasOffline {
		r.mirrorOnline(userID)
	}
	return wasOffline
}

// Unregister removes the handle from whichever user owns it. Returns the
// owning user id and true if this was the user's last handle (the user went
// offline).
func (r *Registry) Unregister(handleID string) (string, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[handleID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, handleID)
	offline := false
	if e, ok := r.users[userID]; ok {
		delete(e.handles, handleID)
		if len(e.handles) == 0 {
			delete(r.users, userID)
			offline = true
		}
	}
	r.mu.Unlock()

	if offline {
		r.mirrorOffline(userID)
	}
	return userID, offline
}

// HandlesFor returns a snapshot of the user's live handles (possibly empty).
func (r *Registry) HandlesFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	handles := make([]Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	return handles
}

// Online reports whether the user currently has at least one handle.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	return ok && len(e.handles) > 0
}

// OnlineUsers returns a sorted snapshot of every online user identity.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.users))
	for id := range r.users {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// OnlineUsersWithRole returns online users that connected with the role.
func (r *Registry) OnlineUsersWithRole(role string) []string {
	r.mu.RLock()
	var users []string
	for id, e := range r.users {
		if _, ok := e.roles[role]; ok {
			users = append(users, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// AllHandles returns a snapshot of every live handle across all users.
func (r *Registry) AllHandles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var handles []Handle
	for _, e := range r.users {
		for _, h := range e.handles {
			handles = append(handles, h)
		}
	}
	return handles
}

// Mirror writes happen outside the registry lock; the mirror is advisory and
// a failure only logs.
func (r *Registry) mirrorOnline(userID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.mirror.SAdd(ctx, MirrorKey, userID); err != nil {
		r.logger.Warn("presence mirror add failed", "user_id", userID, "error", err)
	}
}

func (r *Registry) mirrorOffline(userID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.mirror.SRem(ctx, MirrorKey, userID); err != nil {
		r.logger.Warn("presence mirror remove failed", "user_id", userID, "error", err)
	}
}
