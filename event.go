package boxd

import "time"

// EventType identifies the kind of lifecycle event emitted by a Dispatcher.
type EventType int

const (
	// EventSessionCreated is emitted when a session becomes active.
	// Session carries the new session's id.
	EventSessionCreated EventType = iota

	// EventSessionExtended is emitted when a session's expiry is advanced.
	EventSessionExtended

	// EventSessionStopped is emitted when a session is torn down by a
	// manual stop or at shutdown.
	EventSessionStopped

	// EventSessionExpired is emitted when a session is reclaimed by its
	// timer or the periodic sweep.
	EventSessionExpired

	// EventSweepCompleted is emitted after an orphan sweep. Count carries
	// the number of runtime resources reclaimed.
	EventSweepCompleted

	// EventError is emitted when a teardown-path operation fails.
	// Data contains the error message.
	EventError
)

// Event is a lifecycle event emitted by a Dispatcher. Events are advisory:
// under sustained backpressure they are dropped rather than blocking the
// lifecycle paths that emit them.
type Event struct {
	Time    time.Time
	Type    EventType
	Session string
	Data    string
	Count   int
}

// String returns a short name for the event type, used in log output.
func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "session_created"
	case EventSessionExtended:
		return "session_extended"
	case EventSessionStopped:
		return "session_stopped"
	case EventSessionExpired:
		return "session_expired"
	case EventSweepCompleted:
		return "sweep_completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
