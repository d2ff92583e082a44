package cmd

import (
	"errors"

	"stackctl/internal/app"
)

// exitError carries a specific exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: app.ExitCode(err), err: err}
}

func exitCodeFor(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}
