package scan

import (
	"fmt"
	"time"

	"github.com/nugget/pulsekiosk/internal/assignment"
)

// Status is the lifecycle position of a measurement session.
type Status int

const (
	// StatusIdle means no session is open.
	StatusIdle Status = iota
	// StatusAwaiting means a visitor is present and the kiosk waits for
	// the first nonzero reading.
	StatusAwaiting
	// StatusScanning means the first nonzero reading arrived and the
	// stability countdown is being armed.
	StatusScanning
	// StatusStabilizing means the countdown is running.
	StatusStabilizing
	// StatusCompleted means a stable value was measured and submitted.
	StatusCompleted
	// StatusAborted means the visitor left before a stable value.
	StatusAborted
	// StatusFailed means the assignment service is unavailable; the
	// process must be restarted.
	StatusFailed
)

var statusNames = [...]string{
	StatusIdle:        "idle",
	StatusAwaiting:    "awaiting",
	StatusScanning:    "scanning",
	StatusStabilizing: "stabilizing",
	StatusCompleted:   "completed",
	StatusAborted:     "aborted",
	StatusFailed:      "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether s is a non-terminal session status.
func (s Status) Active() bool {
	return s == StatusAwaiting || s == StatusScanning || s == StatusStabilizing
}

// Terminal reports whether s ends a cycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// WorkflowState maps s onto the device record state code.
func (s Status) WorkflowState() assignment.WorkflowState {
	switch s {
	case StatusAwaiting, StatusScanning, StatusStabilizing:
		return assignment.StateScanning
	case StatusCompleted:
		return assignment.StateDone
	case StatusFailed:
		return assignment.StateOutOfService
	default:
		return assignment.StateIdle
	}
}

// Session is one attempt to measure a visitor.
type Session struct {
	ID          string    `json:"id,omitempty"`
	Status      Status    `json:"status"`
	UserID      string    `json:"user_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Paused      bool      `json:"paused,omitempty"`
	Amplitude   int       `json:"amplitude"`
	LastNonzero int       `json:"last_nonzero,omitempty"`
	Countdown   int       `json:"countdown"`
	Value       int       `json:"value,omitempty"`
}

// Snapshot is the orchestrator state exposed to the status API.
type Snapshot struct {
	Session      Session   `json:"session"`
	LinkStatus   string    `json:"link_status"`
	Present      bool      `json:"present"`
	UserReady    bool      `json:"user_ready"`
	Cooldown     int       `json:"cooldown_remaining"`
	OutOfService bool      `json:"out_of_service"`
	UpdatedAt    time.Time `json:"updated_at"`
}
