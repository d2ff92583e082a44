package orchestrator

import (
	"time"

	"stackctl/internal/services"
)

// Outcome is the terminal status of a run.
type Outcome string

const (
	// OutcomeSucceeded: the stack came up and was stopped on request, or
	// every service completed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeInterrupted: a stop was requested before startup finished.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeAborted: startup was abandoned because a service failed.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed: a service failed for good after startup.
	OutcomeFailed Outcome = "failed"
)

// ServiceFailure is one failed service in a report.
type ServiceFailure struct {
	Service  string `json:"service"`
	Error    string `json:"error"`
	Restarts int    `json:"restarts"`
}

// RunReport summarizes a run.
type RunReport struct {
	RunID      string              `json:"run_id"`
	Stack      string              `json:"stack"`
	Outcome    Outcome             `json:"outcome"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Failures   []ServiceFailure    `json:"failures,omitempty"`
	Services   []services.Snapshot `json:"services"`
}

// Success reports whether the run ended cleanly.
func (r RunReport) Success() bool {
	return r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeInterrupted
}

// Duration is the wall time of the run.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
