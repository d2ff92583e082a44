package orchestrator

import (
	"fmt"
	"strings"

	"stackctl/internal/config"
	"stackctl/internal/services"
)

// The error taxonomy of a run, re-exported so callers can match on one
// package.
type (
	// ConfigError wraps parse, validation, unknown and cyclic dependency
	// errors. It is fatal and nothing is started.
	ConfigError = config.ConfigError
	// LaunchError means an instance could not be started.
	LaunchError = services.LaunchError
	// HealthCheckFailure means a service never became healthy.
	HealthCheckFailure = services.HealthCheckFailure
	// UnexpectedExit means a running service terminated on its own.
	UnexpectedExit = services.UnexpectedExit
)

// ServiceFailedError attributes a permanent failure to a service.
type ServiceFailedError struct {
	Service string
	Err     error
}

func (e *ServiceFailedError) Error() string {
	return fmt.Sprintf("service %s failed: %v", e.Service, e.Err)
}

func (e *ServiceFailedError) Unwrap() error { return e.Err }

// DependencyFailedError means a service could not start because a
// dependency ended before becoming Running.
type DependencyFailedError struct {
	Service    string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("%s cannot start: dependency %s is not running", e.Service, e.Dependency)
}

// RunError is returned by Run when the stack did not end cleanly.
type RunError struct {
	Outcome  Outcome
	Failures []*ServiceFailedError
}

func (e *RunError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Service)
	}
	return fmt.Sprintf("stack %s: %s", e.Outcome, strings.Join(names, ", "))
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
