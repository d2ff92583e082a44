// Package containerizertest provides a scriptable in-memory Runtime for
// tests of code that launches services.
package containerizertest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"stackctl/internal/containerizer"
)

// Behavior scripts one launch of a service.
type Behavior struct {
	// LaunchErr makes Launch fail.
	LaunchErr error
	// ExitAfter makes the instance exit on its own; zero runs until stopped.
	ExitAfter time.Duration
	ExitCode  int
	// Output lines are written to the launch's stdout.
	Output []string
	// IgnoreStop keeps the instance alive past the grace period; it is
	// then killed.
	IgnoreStop bool
}

// EventKind is what happened to a fake instance.
type EventKind string

const (
	EventLaunch EventKind = "launch"
	EventSignal EventKind = "signal"
	EventExit   EventKind = "exit"
)

// Event is one entry in the runtime's journal.
type Event struct {
	Kind    EventKind
	Service string
	At      time.Time
	Code    int
}

// Runtime is a fake containerizer.Runtime.
type Runtime struct {
	mu        sync.Mutex
	scripts   map[string][]Behavior
	journal   []Event
	instances map[string]*Instance
	seq       int
}

// New returns an empty fake runtime. Unscripted services run until stopped.
func New() *Runtime {
	return &Runtime{
		scripts:   make(map[string][]Behavior),
		instances: make(map[string]*Instance),
	}
}

// Script queues behaviors for successive launches of service. The last
// behavior repeats.
func (r *Runtime) Script(service string, behaviors ...Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[service] = append(r.scripts[service], behaviors...)
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Launch(ctx context.Context, spec containerizer.LaunchSpec) (containerizer.Instance, error) {
	r.mu.Lock()
	b := r.next(spec.Service)
	r.record(EventLaunch, spec.Service, 0)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}

	r.mu.Lock()
	r.seq++
	inst := &Instance{
		rt:         r,
		id:         fmt.Sprintf("%s-%d", spec.Service, r.seq),
		service:    spec.Service,
		ignoreStop: b.IgnoreStop,
		done:       make(chan struct{}),
	}
	r.instances[spec.Service] = inst
	r.mu.Unlock()

	if spec.Stdout != nil {
		for _, line := range b.Output {
			_, _ = io.WriteString(spec.Stdout, line+"\n")
		}
	}
	if b.ExitAfter > 0 {
		time.AfterFunc(b.ExitAfter, func() { inst.exit(b.ExitCode) })
	}
	return inst, nil
}

func (r *Runtime) next(service string) Behavior {
	queue := r.scripts[service]
	if len(queue) == 0 {
		return Behavior{}
	}
	b := queue[0]
	if len(queue) > 1 {
		r.scripts[service] = queue[1:]
	}
	return b
}

func (r *Runtime) record(kind EventKind, service string, code int) {
	r.journal = append(r.journal, Event{Kind: kind, Service: service, At: time.Now(), Code: code})
}

// Journal returns every event so far, in order.
func (r *Runtime) Journal() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.journal...)
}

// Launches returns the launch times of service.
func (r *Runtime) Launches(service string) []time.Time {
	return r.times(EventLaunch, service)
}

// Signals returns the times service was asked to stop.
func (r *Runtime) Signals(service string) []time.Time {
	return r.times(EventSignal, service)
}

// Exits returns the times instances of service exited.
func (r *Runtime) Exits(service string) []time.Time {
	return r.times(EventExit, service)
}

func (r *Runtime) times(kind EventKind, service string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for _, e := range r.journal {
		if e.Kind == kind && e.Service == service {
			out = append(out, e.At)
		}
	}
	return out
}

// Crash makes the current instance of service exit with code.
func (r *Runtime) Crash(service string, code int) bool {
	r.mu.Lock()
	inst := r.instances[service]
	r.mu.Unlock()
	if inst == nil {
		return false
	}
	return inst.exit(code)
}

// Instance is a fake running service.
type Instance struct {
	rt         *Runtime
	id         string
	service    string
	ignoreStop bool

	once   sync.Once
	mu     sync.Mutex
	status containerizer.ExitStatus
	done   chan struct{}
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Done() <-chan struct{} { return i.done }

func (i *Instance) Status() containerizer.ExitStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) exit(code int) bool {
	exited := false
	i.once.Do(func() {
		i.mu.Lock()
		i.status = containerizer.ExitStatus{Code: code, ExitedAt: time.Now()}
		i.mu.Unlock()

		i.rt.mu.Lock()
		i.rt.record(EventExit, i.service, code)
		i.rt.mu.Unlock()

		close(i.done)
		exited = true
	})
	return exited
}

func (i *Instance) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-i.done:
		return nil
	default:
	}

	i.rt.mu.Lock()
	i.rt.record(EventSignal, i.service, 0)
	i.rt.mu.Unlock()

	if !i.ignoreStop {
		i.exit(128 + int(syscall.SIGTERM))
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	i.exit(128 + int(syscall.SIGKILL))
	return nil
}
