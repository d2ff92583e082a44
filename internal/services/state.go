package services

import (
	"time"
)

// State is a supervisor state.
type State string

const (
	StatePending        State = "pending"
	StateStarting       State = "starting"
	StateAwaitingHealth State = "awaiting_health"
	StateRunning        State = "running"
	StateStopping       State = "stopping"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Detail  string    `json:"detail,omitempty"`
}

// maxHistory bounds the transitions kept per service.
const maxHistory = 100

// Snapshot is a copy of a supervisor's runtime state.
type Snapshot struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	// Restarts is the lifetime total; FailureStreak counts restarts since
	// the last instance that reached Running and is what max_restarts bounds.
	Restarts      int       `json:"restarts"`
	FailureStreak int       `json:"failure_streak"`
	InstanceID    string    `json:"instance_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	// LastExitCode is nil until an instance has exited.
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	LastHealth   string `json:"last_health,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	// Permanent is set once the supervisor gave up on the service.
	Permanent bool           `json:"permanent"`
	History   []HistoryEntry `json:"history,omitempty"`
}

// Uptime is how long the current instance has been up.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || (s.State != StateRunning && s.State != StateAwaitingHealth) {
		return 0
	}
	return now.Sub(s.StartedAt)
}
