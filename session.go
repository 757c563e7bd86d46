package boxd

import "time"

// Session is one time-bounded allocation of a disposable browser container.
// ID equals the runtime's container id. All fields except ExpiresAt are
// immutable after creation; ExpiresAt only moves forward, and only through
// the Dispatcher.
type Session struct {
	ID        string            // container id assigned by the runtime
	Endpoint  string            // host-reachable address; empty if the port never appeared
	OwnerID   string            // caller-supplied identity for audit only, never authorization
	Profile   string            // launch profile name; empty for the default profile
	CreatedAt time.Time         // creation time
	ExpiresAt time.Time         // absolute expiry; monotonically non-decreasing
	Metadata  map[string]string // informational
}

// Remaining returns the time left until expiry at the given instant,
// clamped at zero.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil || !s.ExpiresAt.After(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// View projects the session into its caller-visible form.
func (s *Session) View(now time.Time) SessionView {
	return SessionView{
		ID:          s.ID,
		Endpoint:    s.Endpoint,
		ExpiresAt:   s.ExpiresAt,
		RemainingMS: s.Remaining(now).Milliseconds(),
	}
}

// SessionView is the projection of a Session exposed over the API.
type SessionView struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RemainingMS int64     `json:"remainingTimeMs"`
}

// CreateRequest carries the caller-supplied parameters for a new session.
// Zero values fall back to daemon configuration.
type CreateRequest struct {
	TTL      time.Duration     // session lifetime; 0 means the configured default
	OwnerID  string            // optional owner identity
	Profile  string            // optional launch profile name
	Metadata map[string]string // optional informational labels
}
