package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stackctl/internal/reporting"
	"stackctl/internal/services"
	"stackctl/pkg/logging"
)

// ErrAlreadyRan is returned by a second call to Run.
var ErrAlreadyRan = errors.New("orchestrator already ran")

// Run starts the stack level by level, keeps it up until Stop is called, ctx
// ends or a service fails for good, and then tears it down in reverse level
// order. The report is always filled in; the error is a *RunError when the
// run was aborted or failed.
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return RunReport{}, ErrAlreadyRan
	}
	o.phase = PhaseStarting
	o.startedAt = time.Now()
	o.mu.Unlock()
	defer close(o.done)

	report := RunReport{
		RunID:     o.runID,
		Stack:     o.cfg.Stack.Name,
		StartedAt: o.startedAt,
	}
	o.events.Publish(reporting.NewEvent(reporting.EventTypeSystemStartup, "").
		WithRunID(o.runID).
		WithDetail("%d services in %d levels", o.graph.Len(), len(o.graph.Levels())))
	logging.Info("Orchestrator", "Starting stack %s (%d services, run %s)", o.cfg.Stack.Name, o.graph.Len(), o.runID)

	if err := o.attachLogs(); err != nil {
		o.setPhase(PhaseStopped)
		report.Outcome = OutcomeAborted
		report.FinishedAt = time.Now()
		report.Services = o.registry.Snapshots()
		return report, fmt.Errorf("attach log sinks: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.stopRequested() {
		cancel()
	}
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	outcome, failures := o.startup(runCtx)
	if outcome == "" {
		o.setPhase(PhaseRunning)
		logging.Info("Orchestrator", "Stack %s is up", o.cfg.Stack.Name)
		outcome, failures = o.supervise(runCtx)
	}

	o.setPhase(PhaseStopping)
	// Pending health waits and restart delays end here; running services
	// are stopped by the teardown in order.
	cancel()
	o.teardown()
	o.setPhase(PhaseStopped)

	report.Outcome = outcome
	report.FinishedAt = time.Now()
	report.Services = o.registry.Snapshots()
	for _, f := range failures {
		restarts := 0
		if snap, ok := o.Service(f.Service); ok {
			restarts = snap.Restarts
		}
		report.Failures = append(report.Failures, ServiceFailure{
			Service:  f.Service,
			Error:    f.Err.Error(),
			Restarts: restarts,
		})
	}

	o.events.Publish(reporting.NewEvent(reporting.EventTypeSystemShutdown, "").
		WithRunID(o.runID).
		WithDetail("run %s", outcome))
	logging.Info("Orchestrator", "Stack %s %s after %s", o.cfg.Stack.Name, outcome, report.Duration().Round(time.Millisecond))

	if outcome == OutcomeAborted || outcome == OutcomeFailed {
		return report, &RunError{Outcome: outcome, Failures: failures}
	}
	return report, nil
}

// startup brings the levels up in ascending order. It returns an empty
// outcome when every level is up.
func (o *Orchestrator) startup(ctx context.Context) (Outcome, []*ServiceFailedError) {
	for i, level := range o.graph.Levels() {
		if ctx.Err() != nil {
			return OutcomeInterrupted, nil
		}

		names := make([]string, 0, len(level))
		for _, id := range level {
			names = append(names, string(id))
		}
		o.events.Publish(reporting.NewEvent(reporting.EventTypeLevelStarted, "").
			WithRunID(o.runID).
			WithAttempt(i).
			WithDetail("level %d: %s", i, strings.Join(names, ", ")))
		logging.Debug("Orchestrator", "Starting level %d: %s", i, strings.Join(names, ", "))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			failures []*ServiceFailedError
		)
		record := func(name string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, &ServiceFailedError{Service: name, Err: err})
		}

		for _, name := range names {
			sup, _ := o.registry.Get(name)
			wg.Add(1)
			go func(name string, sup *services.Supervisor) {
				defer wg.Done()
				if err := o.awaitDependencies(ctx, name); err != nil {
					if ctx.Err() == nil {
						record(name, err)
					}
					return
				}
				if err := sup.Start(ctx); err != nil {
					record(name, err)
					return
				}
				select {
				case <-sup.Settled():
				case <-ctx.Done():
					return
				}
				if err := sup.Err(); err != nil {
					record(name, err)
				}
			}(name, sup)
		}
		wg.Wait()

		if len(failures) > 0 {
			for _, f := range failures {
				logging.Error("Orchestrator", f.Err, "Aborting startup: %s failed", f.Service)
			}
			return OutcomeAborted, failures
		}
	}
	if ctx.Err() != nil {
		return OutcomeInterrupted, nil
	}
	return "", nil
}

// supervise waits for a stop request, a permanent failure, or every
// service completing on its own.
func (o *Orchestrator) supervise(ctx context.Context) (Outcome, []*ServiceFailedError) {
	all := o.registry.All()
	failed := make(chan struct{}, len(all))
	allDone := make(chan struct{})

	var wg sync.WaitGroup
	for _, sup := range all {
		wg.Add(1)
		go func(sup *services.Supervisor) {
			defer wg.Done()
			select {
			case <-sup.Done():
				if sup.Err() != nil {
					failed <- struct{}{}
				}
			case <-ctx.Done():
			}
		}(sup)
	}
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-failed:
	case <-allDone:
	case <-ctx.Done():
		return OutcomeSucceeded, nil
	}

	var failures []*ServiceFailedError
	for _, sup := range all {
		if err := sup.Err(); err != nil {
			failures = append(failures, &ServiceFailedError{Service: sup.Name(), Err: err})
		}
	}
	if len(failures) == 0 {
		logging.Info("Orchestrator", "Every service of %s completed", o.cfg.Stack.Name)
		return OutcomeSucceeded, nil
	}
	for _, f := range failures {
		logging.Error("Orchestrator", f.Err, "Tearing down: %s failed", f.Service)
	}
	return OutcomeFailed, failures
}

// teardown stops services level by level, highest level first, so a
// service is only stopped once every dependent has stopped.
func (o *Orchestrator) teardown() {
	levels := o.graph.Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		for _, id := range levels[i] {
			sup, _ := o.registry.Get(string(id))
			wg.Add(1)
			go func(sup *services.Supervisor) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), o.stopGrace(sup.Definition()))
				defer cancel()
				if err := sup.Stop(ctx); err != nil {
					logging.Error("Orchestrator", err, "Stopping %s", sup.Name())
				}
				o.detachLogs(ctx, sup.Name())
			}(sup)
		}
		wg.Wait()
	}
}
