package boxd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the authoritative in-memory table of active sessions, with a
// synchronous durable mirror. While the process is live the table is the
// source of truth; the mirror only matters for recovery after a restart.
//
// All methods are safe for concurrent use. Compound operations (create,
// expiry update, remove) are serialized by one mutex; the mirror write for
// an operation completes inside the same call.
type Registry struct {
	store    Store // optional; nil disables durability
	clock    Clock
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry mirrored to store. A nil store
// disables durability; a nil logger discards.
func NewRegistry(store Store, clock Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:    store,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create inserts a new session. Returns ErrDuplicateSession if the id is
// already present. The mirror write happens before the in-memory insert;
// if it fails, the registry is left unchanged.
func (r *Registry) Create(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	if r.store != nil {
		if err := r.store.Put(ctx, s); err != nil {
			return fmt.Errorf("mirror session %s: %w", s.ID, err)
		}
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns a copy of the session, or false if absent. Copies keep
// readers isolated from concurrent expiry updates.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions, sorted by creation time then id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsActive reports whether id is present with an expiry in the future.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.ExpiresAt.After(r.clock.Now())
}

// Resolve returns the endpoint backing an active session, or false if the
// session is unknown, expired, or never got an endpoint. The proxy maps
// false to an unroutable response, never to a fallback target.
func (r *Registry) Resolve(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.clock.Now()) || s.Endpoint == "" {
		return "", false
	}
	return s.Endpoint, true
}

// UpdateExpiry advances the session's expiry. Expiry only moves forward: an
// update earlier than the current expiry is ignored but still reports true.
// Returns false if the session is absent; absent sessions get no side
// effects. The mirror is rewritten with the new expiry in the same call.
func (r *Registry) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
		if r.store != nil {
			if err := r.store.Put(ctx, s); err != nil {
				// The registry stays authoritative; the stale mirror
				// record still self-expires at its old time.
				r.logger.Warn("mirror update failed", "session", id, "error", err)
			}
		}
	}
	return true
}

// ExtendExpiry advances the session's expiry by extra, atomically against
// concurrent extends and removals. Returns the new expiry and true, or false
// if the session is absent or already expired. The mirror is rewritten in
// the same call.
func (r *Registry) ExtendExpiry(ctx context.Context, id string, extra time.Duration) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.clock.Now()) {
		return time.Time{}, false
	}
	s.ExpiresAt = s.ExpiresAt.Add(extra)
	if r.store != nil {
		if err := r.store.Put(ctx, s); err != nil {
			r.logger.Warn("mirror update failed", "session", id, "error", err)
		}
	}
	return s.ExpiresAt, true
}

// Remove deletes the session from memory and the mirror. Returns false if
// it was already absent: concurrent manual-stop and timer-fire races are
// expected, and the loser must treat "already removed" as success.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			// The mirror record self-expires; losing the delete is not fatal.
			r.logger.Warn("mirror delete failed", "session", id, "error", err)
		}
	}
	return true
}

// RemoveIfExpired removes the session only if its expiry is at or before
// now. The check and the removal share one critical section, so a stale
// expiry timer firing after an extend observes the new expiry and backs
// off instead of tearing down a legitimate session.
func (r *Registry) RemoveIfExpired(ctx context.Context, id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.ExpiresAt.After(now) {
		return false
	}
	delete(r.sessions, id)
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Warn("mirror delete failed", "session", id, "error", err)
		}
	}
	return true
}

// Expired returns the ids of sessions whose expiry is at or before now.
// Input to the periodic sweep.
func (r *Registry) Expired(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Restore loads all live records from the mirror into memory, discarding
// (and deleting) records that expired while the process was down. Returns
// the restored sessions so the caller can re-arm their timers. Sessions
// already in memory are skipped.
func (r *Registry) Restore(ctx context.Context) ([]*Session, error) {
	if r.store == nil {
		return nil, nil
	}
	loaded, err := r.store.LoadLive(ctx, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("restore sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var restored []*Session
	for _, s := range loaded {
		if _, ok := r.sessions[s.ID]; ok {
			continue
		}
		r.sessions[s.ID] = s
		restored = append(restored, s)
	}
	return restored, nil
}
