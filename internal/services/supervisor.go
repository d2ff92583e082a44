package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"stackctl/internal/config"
	"stackctl/internal/containerizer"
	"stackctl/internal/health"
	"stackctl/internal/logrouter"
	"stackctl/internal/reporting"
	"stackctl/pkg/logging"
)

// stopMargin is added to the grace period when waiting for an instance to
// disappear after it was killed.
const stopMargin = 5 * time.Second

// LogOutput hands out per-stream writers for a service's output.
type LogOutput interface {
	Writer(service string, stream logrouter.Stream) *logrouter.LineWriter
}

// Config wires one supervisor.
type Config struct {
	Stack      string
	Definition config.ServiceDefinition
	Runtime    containerizer.Runtime

	// Events and Output may be nil.
	Events reporting.EventBus
	Output LogOutput

	BaseDir string
	RunID   string

	// Backoff paces restarts; see RestartBackoff.
	Backoff wait.Backoff
	// MaxRestarts applies when the definition does not set max_restarts.
	MaxRestarts int
	// StopGracePeriod applies when the definition does not set one.
	StopGracePeriod time.Duration
}

// RestartBackoff doubles from base up to ceiling.
func RestartBackoff(base, ceiling time.Duration) wait.Backoff {
	return wait.Backoff{
		Duration: base,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      ceiling,
	}
}

// Supervisor runs one service through its lifecycle.
type Supervisor struct {
	cfg         Config
	name        string
	grace       time.Duration
	maxRestarts int

	mu      sync.RWMutex
	started bool
	snap    Snapshot
	err     error

	stopOnce   sync.Once
	stopCh     chan struct{}
	settleOnce sync.Once
	settled    chan struct{}
	done       chan struct{}
}

// New creates a Pending supervisor.
func New(cfg Config) *Supervisor {
	def := cfg.Definition
	grace := def.StopGracePeriod
	if grace <= 0 {
		grace = cfg.StopGracePeriod
	}
	if grace <= 0 {
		grace = config.DefaultStopGracePeriod
	}
	maxRestarts := def.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = cfg.MaxRestarts
	}
	if maxRestarts <= 0 {
		maxRestarts = config.DefaultMaxRestarts
	}
	if cfg.Backoff.Duration <= 0 {
		cfg.Backoff = RestartBackoff(time.Second, 30*time.Second)
	}

	return &Supervisor{
		cfg:         cfg,
		name:        def.Name,
		grace:       grace,
		maxRestarts: maxRestarts,
		snap:        Snapshot{Name: def.Name, State: StatePending},
		stopCh:      make(chan struct{}),
		settled:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Name is the supervised service.
func (s *Supervisor) Name() string { return s.name }

// Definition is the descriptor the supervisor was built from.
func (s *Supervisor) Definition() config.ServiceDefinition { return s.cfg.Definition }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

// Snapshot returns a copy of the runtime state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.History = append([]HistoryEntry(nil), s.snap.History...)
	if s.snap.LastExitCode != nil {
		code := *s.snap.LastExitCode
		snap.LastExitCode = &code
	}
	return snap
}

// Err is the permanent failure, nil unless the supervisor gave up.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Settled is closed once the service first reaches Running or ends for good.
func (s *Supervisor) Settled() <-chan struct{} { return s.settled }

// Done is closed when the supervisor will do nothing more: the service is
// Stopped or permanently Failed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start leaves Pending and runs the lifecycle in a new goroutine.
// Cancelling ctx aborts a pending launch, health wait or restart delay; a
// Running service only stops through Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", s.name, ErrAlreadyStarted)
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop asks the service to stop and waits until it is Stopped, Failed for
// good, or ctx ends. Repeated calls only wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		neverStarted := !s.started
		s.started = true
		s.mu.Unlock()

		if neverStarted {
			s.transition(StateStopped, "stopped before start")
			s.settle()
			close(s.done)
		}
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", s.name, ctx.Err())
	}
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// interruptible derives a context that also ends when Stop is called.
func (s *Supervisor) interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	ictx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ictx.Done():
		}
	}()
	return ictx, cancel
}

func (s *Supervisor) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.settle()

	backoff := s.cfg.Backoff
	// streak counts restarts since the last instance that reached Running.
	streak := 0

	for {
		if s.stopping() || ctx.Err() != nil {
			s.transition(StateStopped, "stopped before launch")
			return
		}

		recovered, failure := s.attempt(ctx)
		if failure == nil {
			return
		}
		if recovered {
			streak = 0
			backoff = s.cfg.Backoff
		}

		var launchErr *LaunchError
		switch {
		case errors.As(failure, &launchErr):
			s.giveUp(failure)
			return
		case !s.shouldRestart(failure):
			s.giveUp(failure)
			return
		case streak >= s.maxRestarts:
			s.giveUp(&RestartsExhaustedError{Service: s.name, Restarts: streak, Last: failure})
			return
		}

		delay := backoff.Step()
		streak++
		s.mu.Lock()
		s.snap.Restarts++
		s.snap.FailureStreak = streak
		restarts := s.snap.Restarts
		s.mu.Unlock()
		s.publish(reporting.NewEvent(reporting.EventTypeServiceRetrying, s.name).
			WithAttempt(restarts).
			WithDetail("restarting in %s", delay).
			WithSeverity(reporting.SeverityWarn))
		logging.Warn("Supervisor", "%s failed (%v), restart %d/%d in %s", s.name, failure, streak, s.maxRestarts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			s.transition(StateStopped, "stopped while waiting to restart")
			return
		case <-ctx.Done():
			timer.Stop()
			s.transition(StateStopped, "cancelled while waiting to restart")
			return
		}
	}
}

// attempt launches one instance and follows it until it fails or the
// supervisor reaches Stopped. It returns the failure, or nil when the
// lifecycle is over, and whether the instance reached Running first.
func (s *Supervisor) attempt(ctx context.Context) (bool, error) {
	def := s.cfg.Definition
	s.transition(StateStarting, "")

	instanceID := uuid.NewString()
	stdout, stderr := s.writers()
	flush := func() {
		stdout.Flush()
		stderr.Flush()
	}

	lctx, cancel := s.interruptible(ctx)
	inst, err := s.cfg.Runtime.Launch(lctx, containerizer.LaunchSpec{
		Stack:      s.cfg.Stack,
		Service:    s.name,
		InstanceID: instanceID,
		Image:      def.Image,
		Command:    def.Command,
		Env:        def.Environment.Strings(),
		WorkingDir: def.WorkingDir,
		Volumes:    def.Volumes,
		Ports:      def.Ports,
		StopSignal: def.StopSignal,
		BaseDir:    s.cfg.BaseDir,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	cancel()
	if err != nil {
		if s.stopping() || ctx.Err() != nil {
			s.transition(StateStopped, "launch cancelled")
			return false, nil
		}
		failure := &LaunchError{Service: s.name, Err: err}
		s.fail(failure)
		return false, failure
	}

	s.mu.Lock()
	s.snap.InstanceID = instanceID
	s.snap.StartedAt = time.Now()
	s.mu.Unlock()

	// Post-launch checkpoint.
	if s.stopping() || ctx.Err() != nil {
		s.stopInstance(inst, flush)
		return false, nil
	}

	s.transition(StateAwaitingHealth, "instance "+logrouter.ShortID(inst.ID()))
	spec, err := health.NewSpec(s.name, def.HealthCheck, s.healthTarget(inst))
	if err != nil {
		s.terminate(inst, flush)
		failure := &LaunchError{Service: s.name, Err: err}
		s.fail(failure)
		return false, failure
	}

	gctx, cancel := s.interruptible(ctx)
	result := health.AwaitHealthy(gctx, spec, inst.Done())
	cancel()
	s.recordHealth(result)

	// Post-probe checkpoint.
	if result.Status == health.Cancelled || s.stopping() || ctx.Err() != nil {
		s.stopInstance(inst, flush)
		return false, nil
	}
	if result.Status != health.Healthy {
		s.terminate(inst, flush)
		failure := &HealthCheckFailure{Service: s.name, Result: result}
		s.fail(failure)
		return false, failure
	}

	s.transition(StateRunning, result.Detail)
	s.mu.Lock()
	s.snap.FailureStreak = 0
	s.mu.Unlock()
	s.settle()

	select {
	case <-inst.Done():
		flush()
		status := inst.Status()
		s.recordExit(status)
		if s.stopping() {
			s.transition(StateStopped, status.String())
			return true, nil
		}
		if status.Success() && def.Restart != config.RestartAlways {
			s.transition(StateStopped, "completed")
			return true, nil
		}
		failure := &UnexpectedExit{Service: s.name, Status: status}
		s.fail(failure)
		return true, failure
	case <-s.stopCh:
		s.stopInstance(inst, flush)
		return true, nil
	}
}

func (s *Supervisor) shouldRestart(failure error) bool {
	switch s.cfg.Definition.Restart {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		var exit *UnexpectedExit
		if errors.As(failure, &exit) {
			return !exit.Status.Success()
		}
		var unhealthy *HealthCheckFailure
		return errors.As(failure, &unhealthy)
	default:
		return false
	}
}

// stopInstance is the graceful Stopping -> Stopped path.
func (s *Supervisor) stopInstance(inst containerizer.Instance, flush func()) {
	s.transition(StateStopping, fmt.Sprintf("grace %s", s.grace))
	s.terminate(inst, flush)
	s.transition(StateStopped, s.exitDetail())
}

// terminate signals the instance and waits for it to be gone.
func (s *Supervisor) terminate(inst containerizer.Instance, flush func()) {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace+stopMargin)
	defer cancel()

	if err := inst.Stop(ctx, s.grace); err != nil {
		logging.Error("Supervisor", err, "stopping %s", s.name)
	}
	select {
	case <-inst.Done():
		s.recordExit(inst.Status())
	case <-ctx.Done():
		logging.Warn("Supervisor", "%s did not exit within %s", s.name, s.grace+stopMargin)
	}
	flush()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.snap.LastError = err.Error()
	s.mu.Unlock()
	s.transitionWithError(StateFailed, err)
}

func (s *Supervisor) giveUp(err error) {
	s.mu.Lock()
	s.err = err
	s.snap.Permanent = true
	s.snap.LastError = err.Error()
	s.mu.Unlock()

	logging.Error("Supervisor", err, "%s failed permanently", s.name)
	s.publish(reporting.NewEvent(reporting.EventTypeServiceFailed, s.name).
		WithDetail("giving up").
		WithError(err))
}

func (s *Supervisor) recordHealth(res health.Result) {
	s.mu.Lock()
	s.snap.LastHealth = res.String()
	s.mu.Unlock()

	ev := reporting.NewEvent(reporting.EventTypeHealthCheck, s.name).
		WithAttempt(res.Attempts).
		WithDetail("%s", res.String())
	if res.Status != health.Healthy {
		ev = ev.WithSeverity(reporting.SeverityWarn)
	}
	s.publish(ev)
}

func (s *Supervisor) recordExit(status containerizer.ExitStatus) {
	code := status.Code
	s.mu.Lock()
	s.snap.LastExitCode = &code
	s.mu.Unlock()
	s.publish(reporting.NewEvent(reporting.EventTypeServiceExited, s.name).WithExitCode(code))
}

func (s *Supervisor) exitDetail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.LastExitCode == nil {
		return ""
	}
	return fmt.Sprintf("exit code %d", *s.snap.LastExitCode)
}

var stateEvents = map[State]reporting.EventType{
	StateStarting:       reporting.EventTypeServiceStarting,
	StateAwaitingHealth: reporting.EventTypeServiceAwaitingHealth,
	StateRunning:        reporting.EventTypeServiceRunning,
	StateStopping:       reporting.EventTypeServiceStopping,
	StateStopped:        reporting.EventTypeServiceStopped,
	StateFailed:         reporting.EventTypeServiceFailed,
}

func (s *Supervisor) transition(to State, detail string) {
	s.transitionWithError(to, nil, detail)
}

func (s *Supervisor) transitionWithError(to State, err error, detail ...string) {
	d := ""
	if len(detail) > 0 {
		d = detail[0]
	}
	if err != nil && d == "" {
		d = err.Error()
	}

	s.mu.Lock()
	from := s.snap.State
	s.snap.State = to
	attempt := s.snap.Restarts
	s.snap.History = append(s.snap.History, HistoryEntry{
		At:      time.Now(),
		From:    from,
		To:      to,
		Attempt: attempt,
		Detail:  d,
	})
	if len(s.snap.History) > maxHistory {
		s.snap.History = s.snap.History[len(s.snap.History)-maxHistory:]
	}
	s.mu.Unlock()

	logging.Debug("Supervisor", "%s: %s -> %s %s", s.name, from, to, d)

	ev := reporting.NewEvent(stateEvents[to], s.name).
		WithTransition(string(from), string(to)).
		WithAttempt(attempt).
		WithError(err)
	if d != "" && err == nil {
		ev = ev.WithDetail("%s", d)
	}
	s.publish(ev)
}

func (s *Supervisor) publish(ev reporting.Event) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Publish(ev.WithRunID(s.cfg.RunID))
}

func (s *Supervisor) writers() (stdout, stderr *logrouter.LineWriter) {
	if s.cfg.Output == nil {
		discard := func(string) {}
		return logrouter.NewLineWriter(discard), logrouter.NewLineWriter(discard)
	}
	return s.cfg.Output.Writer(s.name, logrouter.StreamStdout),
		s.cfg.Output.Writer(s.name, logrouter.StreamStderr)
}

func (s *Supervisor) healthTarget(inst containerizer.Instance) health.Target {
	def := s.cfg.Definition
	target := health.Target{Env: def.Environment.Strings(), Dir: s.cfg.BaseDir}
	if execer, ok := inst.(health.Execer); ok {
		target.Execer = execer
	}
	if !def.IsContainer() && def.WorkingDir != "" {
		if filepath.IsAbs(def.WorkingDir) {
			target.Dir = def.WorkingDir
		} else {
			target.Dir = filepath.Join(s.cfg.BaseDir, def.WorkingDir)
		}
	}
	return target
}
