package replication

// Direction is the way revisions flow.
type Direction int

const (
	Pull Direction = iota
	Push
)

// String returns "pull" or "push".
func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Status is the replication activity level.
type Status int

const (
	// Stopped: not running.
	Stopped Status = iota
	// Offline: the remote is unreachable; waiting for it to come back.
	Offline
	// Idle: caught up, waiting for new changes (continuous only).
	Idle
	// Active: transferring revisions.
	Active
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Offline:
		return "offline"
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners whenever status or progress changes.
type Event struct {
	Direction Direction
	SessionID string
	Status    Status

	// Completed counts revisions processed this session, successful or not.
	Completed int64
	// Total counts revisions queued this session.
	Total int64

	// LastError is the most recent error, or nil.
	LastError error
}
