package session

import "time"

// State is the lifecycle position of a session.
type State int

const (
	StateAbsent State = iota
	StateAcquiring
	StateActive
	StateFlushing
	StateConflicted
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// LocalFile is the private working copy of a user's data file handed to a
// session body. The path stays valid until the session ends.
type LocalFile struct {
	UserID    string
	SessionID string
	Path      string
}

// Snapshot is a point-in-time view of a session for diagnostics.
type Snapshot struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	State        string    `json:"state"`
	Tag          string    `json:"tag"`
	Dirty        bool      `json:"dirty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IdleDeadline time.Time `json:"idle_deadline"`
}

// Handle identifies an in-flight session. ID is the value clients echo back
// on later requests of the same burst.
type Handle struct {
	s *session
}

// ID returns the session identifier.
func (h *Handle) ID() string { return h.s.id }

// UserID returns the user the session belongs to.
func (h *Handle) UserID() string { return h.s.userID }
