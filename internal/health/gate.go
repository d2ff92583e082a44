package health

import (
	"context"
	"fmt"
	"time"

	"stackctl/pkg/logging"
)

// Status is the terminal outcome of a readiness wait.
type Status string

const (
	Healthy   Status = "Healthy"
	Unhealthy Status = "Unhealthy"
	TimedOut  Status = "TimedOut"
	Cancelled Status = "Cancelled"
)

// Result is what AwaitHealthy returns.
type Result struct {
	Status   Status
	Attempts int
	// Detail describes the last probe outcome in human terms.
	Detail  string
	LastErr error
	Elapsed time.Duration
}

func (r Result) String() string {
	if r.Detail == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Detail)
}

// Spec describes one readiness wait.
type Spec struct {
	Service string
	Probe   Probe

	Interval time.Duration
	// Timeout is the total wall clock budget.
	Timeout        time.Duration
	AttemptTimeout time.Duration
	// Retries consecutive failures make the service Unhealthy.
	Retries int
	// Failures during StartPeriod do not count against Retries.
	StartPeriod time.Duration
}

// AwaitHealthy probes immediately and then every Interval until the probe
// succeeds, Retries consecutive attempts fail, the Timeout budget runs out,
// exited is closed or ctx is cancelled. It never restarts anything. A spec
// without a probe is healthy right away.
func AwaitHealthy(ctx context.Context, spec Spec, exited <-chan struct{}) Result {
	start := time.Now()
	if spec.Probe == nil {
		return Result{Status: Healthy, Detail: "no probe configured"}
	}

	retries := spec.Retries
	if retries <= 0 {
		retries = 1
	}
	interval := spec.Interval
	if interval <= 0 {
		interval = time.Second
	}

	deadlineCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	subsystem := "Health-" + spec.Service
	result := Result{}
	consecutive := 0

	finish := func(status Status, detail string) Result {
		result.Status = status
		result.Detail = detail
		result.Elapsed = time.Since(start)
		return result
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-exited:
			return finish(Unhealthy, "service exited before becoming healthy")
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				return finish(Cancelled, "readiness wait cancelled")
			}
			return finish(TimedOut, fmt.Sprintf("not healthy within %s after %d attempt(s)", spec.Timeout, result.Attempts))
		case <-timer.C:
		}

		attemptCtx := deadlineCtx
		var cancelAttempt context.CancelFunc = func() {}
		if spec.AttemptTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(deadlineCtx, spec.AttemptTimeout)
		}
		err := spec.Probe.Check(attemptCtx)
		cancelAttempt()
		result.Attempts++

		// Checkpoint: a stop request wins over whatever the probe said.
		if ctx.Err() != nil {
			return finish(Cancelled, "readiness wait cancelled")
		}

		if err == nil {
			logging.Debug(subsystem, "Probe succeeded after %d attempt(s)", result.Attempts)
			result.LastErr = nil
			return finish(Healthy, fmt.Sprintf("healthy after %d attempt(s)", result.Attempts))
		}

		result.LastErr = err
		if time.Since(start) < spec.StartPeriod {
			logging.Debug(subsystem, "Probe failed during start period: %v", err)
		} else {
			consecutive++
			logging.Debug(subsystem, "Probe failed (%d/%d): %v", consecutive, retries, err)
			if consecutive >= retries {
				return finish(Unhealthy, fmt.Sprintf("%d consecutive probe failures, last: %v", consecutive, err))
			}
		}

		if deadlineCtx.Err() != nil {
			// The attempt consumed the rest of the budget.
			continue
		}
		timer.Reset(interval)
	}
}
