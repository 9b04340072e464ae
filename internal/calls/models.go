package calls

import "time"

// State is the lifecycle position of a call session.
//
// Connecting -> Active -> Ending -> Closed, or Connecting -> Closed when the
// call is rejected at setup. Closed is terminal.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateClosed     State = "closed"
)

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateActive || next == StateClosed
	case StateActive:
		return next == StateEnding
	case StateEnding:
		return next == StateClosed
	default:
		return false
	}
}

// Tracked is what the registry needs to know about a live session.
type Tracked interface {
	CallID() string
	TenantID() int64
	Caller() string
	StartedAt() time.Time
	State() State
}

// ActiveCall is the listing view of a registered session.
type ActiveCall struct {
	CallID          string    `json:"call_id"`
	TenantID        int64     `json:"tenant_id"`
	Caller          string    `json:"caller,omitempty"`
	State           State     `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
}
