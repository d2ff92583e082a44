package services

import (
	"errors"
	"fmt"

	"stackctl/internal/containerizer"
	"stackctl/internal/health"
)

var (
	// ErrAlreadyStarted is returned by Start on a supervisor that left Pending.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrDuplicateService is returned when registering a name twice.
	ErrDuplicateService = errors.New("service already registered")
)

// LaunchError means the instance could not be started at all. It is never
// retried.
type LaunchError struct {
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HealthCheckFailure means the readiness gate ended Unhealthy or TimedOut.
// For restart purposes it counts as a failed launch.
type HealthCheckFailure struct {
	Service string
	Result  health.Result
}

func (e *HealthCheckFailure) Error() string {
	return fmt.Sprintf("%s did not become healthy: %s", e.Service, e.Result)
}

func (e *HealthCheckFailure) Unwrap() error { return e.Result.LastErr }

// UnexpectedExit means a running instance terminated without being asked to.
type UnexpectedExit struct {
	Service string
	Status  containerizer.ExitStatus
}

func (e *UnexpectedExit) Error() string {
	return fmt.Sprintf("%s exited unexpectedly: %s", e.Service, e.Status)
}

// RestartsExhaustedError wraps the last failure once max_restarts restarts
// in a row failed to reach Running.
type RestartsExhaustedError struct {
	Service  string
	Restarts int
	Last     error
}

func (e *RestartsExhaustedError) Error() string {
	return fmt.Sprintf("%s gave up after %d restarts: %v", e.Service, e.Restarts, e.Last)
}

func (e *RestartsExhaustedError) Unwrap() error { return e.Last }
