package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"stackctl/internal/config"
	"stackctl/internal/containerizer"
	"stackctl/internal/dependency"
	"stackctl/internal/logrouter"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
	"stackctl/pkg/logging"
)

// Phase is where a run currently is.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// SinkProvider builds the log sink of a service.
type SinkProvider interface {
	ForService(svc config.ServiceDefinition) (logrouter.Sink, error)
}

// Config wires an orchestrator.
type Config struct {
	Stack    config.StackDefinition
	Settings config.Settings
	Runtime  containerizer.Runtime

	// Events defaults to a private bus.
	Events reporting.EventBus
	// Router and Sinks are optional; without them service output is dropped.
	Router *logrouter.Router
	Sinks  SinkProvider

	// BaseDir resolves relative paths; defaults to the stack file's directory.
	BaseDir string
	// Loader re-reads the stack for Reload; defaults to config.LoadStack.
	Loader func() (config.StackDefinition, error)
}

// Orchestrator runs one stack once.
type Orchestrator struct {
	cfg      Config
	runID    string
	graph    *dependency.Graph
	registry *services.Registry
	events   reporting.EventBus
	notify   *notifier

	mu        sync.RWMutex
	phase     Phase
	startedAt time.Time
	current   config.StackDefinition

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New validates the stack, builds its dependency graph and prepares one
// supervisor per service. A *ConfigError is returned for any problem with
// the stack; nothing is started.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("orchestrator needs a runtime")
	}
	cfg.Stack = cfg.Stack.Normalized()
	if err := config.Validate(cfg.Stack); err != nil {
		return nil, &ConfigError{Path: cfg.Stack.Path, Err: err}
	}
	graph, err := BuildGraph(cfg.Stack)
	if err != nil {
		return nil, &ConfigError{Path: cfg.Stack.Path, Err: err}
	}

	if cfg.BaseDir == "" && cfg.Stack.Path != "" {
		cfg.BaseDir = filepath.Dir(cfg.Stack.Path)
	}
	if cfg.Loader == nil {
		path := cfg.Stack.Path
		cfg.Loader = func() (config.StackDefinition, error) { return config.LoadStack(path) }
	}
	if cfg.Events == nil {
		cfg.Events = reporting.NewEventBus()
	}

	o := &Orchestrator{
		cfg:      cfg,
		runID:    uuid.NewString(),
		graph:    graph,
		registry: services.NewRegistry(),
		events:   cfg.Events,
		notify:   newNotifier(),
		phase:    PhaseIdle,
		current:  cfg.Stack,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	var output services.LogOutput
	if cfg.Router != nil {
		output = cfg.Router
		o.events.Subscribe(nil, cfg.Router.HandleEvent)
	}
	o.events.Subscribe(func(e reporting.Event) bool { return e.Service != "" }, func(reporting.Event) {
		o.notify.broadcast()
	})

	restart := cfg.Settings.Restart
	for _, def := range cfg.Stack.Services {
		sup := services.New(services.Config{
			Stack:           cfg.Stack.Name,
			Definition:      def,
			Runtime:         cfg.Runtime,
			Events:          o.events,
			Output:          output,
			BaseDir:         cfg.BaseDir,
			RunID:           o.runID,
			Backoff:         services.RestartBackoff(restart.BaseDelay, restart.MaxDelay),
			MaxRestarts:     restart.MaxRestarts,
			StopGracePeriod: config.DefaultStopGracePeriod,
		})
		if err := o.registry.Register(sup); err != nil {
			return nil, &ConfigError{Path: cfg.Stack.Path, Err: err}
		}
	}
	return o, nil
}

// RunID identifies this run in events and log groups.
func (o *Orchestrator) RunID() string { return o.runID }

// Stack is the definition being run.
func (o *Orchestrator) Stack() config.StackDefinition { return o.cfg.Stack }

// Graph is the dependency graph of the stack.
func (o *Orchestrator) Graph() *dependency.Graph { return o.graph }

// Events is the lifecycle bus of the run.
func (o *Orchestrator) Events() reporting.EventBus { return o.events }

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Services returns the state of every service in declaration order.
func (o *Orchestrator) Services() []services.Snapshot {
	return o.registry.Snapshots()
}

// Service returns the state of one service.
func (o *Orchestrator) Service(name string) (services.Snapshot, bool) {
	sup, ok := o.registry.Get(name)
	if !ok {
		return services.Snapshot{}, false
	}
	return sup.Snapshot(), true
}

// Stop requests an orderly shutdown and returns immediately. Repeated
// calls are no-ops. Use Done to wait for the teardown.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.events.Publish(reporting.NewEvent(reporting.EventTypeSystemShutdown, "").
			WithRunID(o.runID).
			WithDetail("stop requested"))
	})
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// stopGrace bounds how long teardown waits for one service.
func (o *Orchestrator) stopGrace(def config.ServiceDefinition) time.Duration {
	grace := def.StopGracePeriod
	if grace <= 0 {
		grace = config.DefaultStopGracePeriod
	}
	return grace + 30*time.Second
}

// attachLogs routes every service's output to its sink.
func (o *Orchestrator) attachLogs() error {
	if o.cfg.Router == nil || o.cfg.Sinks == nil {
		return nil
	}
	var groups []string
	for _, def := range o.cfg.Stack.Services {
		sink, err := o.cfg.Sinks.ForService(def)
		if err != nil {
			return err
		}
		group, err := logrouter.RenderTag(def.Logging.Tag, logrouter.TagContext{
			Stack:      o.cfg.Stack.Name,
			Name:       def.Name,
			InstanceID: o.runID,
		})
		if err != nil {
			return &ConfigError{Path: o.cfg.Stack.Path, Err: fmt.Errorf("service %s: %w", def.Name, err)}
		}
		if err := o.cfg.Router.Attach(def.Name, sink, logrouter.WithGroup(group), logrouter.WithBufferSize(def.Logging.BufferSize)); err != nil {
			return err
		}
		if _, ok := sink.(*logrouter.ConsoleSink); ok {
			groups = append(groups, group)
		}
	}
	if console, ok := o.consoleSink(); ok {
		console.AlignTo(groups...)
	}
	return nil
}

func (o *Orchestrator) consoleSink() (*logrouter.ConsoleSink, bool) {
	if f, ok := o.cfg.Sinks.(*logrouter.SinkFactory); ok && f.Console != nil {
		return f.Console, true
	}
	return nil, false
}

func (o *Orchestrator) detachLogs(ctx context.Context, service string) {
	if o.cfg.Router == nil {
		return
	}
	if err := o.cfg.Router.Detach(ctx, service); err != nil {
		logging.Warn("Orchestrator", "log flush incomplete: %v", err)
	}
}
