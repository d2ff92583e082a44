package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackctl/internal/config"
	"stackctl/internal/containerizer/containerizertest"
	"stackctl/internal/dependency"
	"stackctl/internal/logrouter"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
)

func svc(name string, deps ...string) config.ServiceDefinition {
	return config.ServiceDefinition{Name: name, Image: "example/" + name, DependsOn: deps}
}

func stack(defs ...config.ServiceDefinition) config.StackDefinition {
	return config.StackDefinition{Name: "test", Services: defs}
}

func testSettings() config.Settings {
	s := config.GetDefaultSettings()
	s.Restart.BaseDelay = 20 * time.Millisecond
	s.Restart.MaxDelay = 100 * time.Millisecond
	return s
}

// eventLog records the first time each (service, type) pair was seen.
type eventLog struct {
	mu    sync.Mutex
	first map[string]time.Time
	all   []reporting.Event
}

func (l *eventLog) handle(e reporting.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		l.first = make(map[string]time.Time)
	}
	key := e.Service + "/" + string(e.Type)
	if _, ok := l.first[key]; !ok {
		l.first[key] = e.Timestamp
	}
	l.all = append(l.all, e)
}

func (l *eventLog) at(service string, t reporting.EventType) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first[service+"/"+string(t)]
}

type runResult struct {
	report RunReport
	err    error
}

func startRun(t *testing.T, o *Orchestrator) <-chan runResult {
	t.Helper()
	out := make(chan runResult, 1)
	go func() {
		report, err := o.Run(context.Background())
		out <- runResult{report, err}
	}()
	t.Cleanup(o.Stop)
	return out
}

func awaitRun(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return runResult{}
	}
}

func waitPhase(t *testing.T, o *Orchestrator, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Phase() == p }, 5*time.Second, 5*time.Millisecond)
}

func TestRun_DependencyRunningBeforeDependentStarts(t *testing.T) {
	rt := containerizertest.New()
	bus := reporting.NewEventBus()
	log := &eventLog{}
	bus.Subscribe(nil, log.handle)

	o, err := New(Config{
		Stack:    stack(svc("b", "a"), svc("a")),
		Settings: testSettings(),
		Runtime:  rt,
		Events:   bus,
	})
	require.NoError(t, err)
	res := startRun(t, o)
	waitPhase(t, o, PhaseRunning)

	aRunning := log.at("a", reporting.EventTypeServiceRunning)
	bStarting := log.at("b", reporting.EventTypeServiceStarting)
	require.False(t, aRunning.IsZero())
	require.False(t, bStarting.IsZero())
	assert.True(t, aRunning.Before(bStarting), "a must be running before b leaves pending")

	launchesA, launchesB := rt.Launches("a"), rt.Launches("b")
	require.Len(t, launchesA, 1)
	require.Len(t, launchesB, 1)
	assert.True(t, launchesA[0].Before(launchesB[0]))

	o.Stop()
	o.Stop()
	r := awaitRun(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeSucceeded, r.report.Outcome)
	assert.True(t, r.report.Success())
	assert.Equal(t, PhaseStopped, o.Phase())

	// Teardown: b is signalled first and a only after b has exited.
	bExit, aSignal := rt.Exits("b"), rt.Signals("a")
	require.Len(t, bExit, 1)
	require.Len(t, aSignal, 1)
	assert.False(t, aSignal[0].Before(bExit[0]), "a stopped before its dependent b was stopped")
	assert.True(t, rt.Signals("b")[0].Before(aSignal[0]))

	for _, snap := range r.report.Services {
		assert.Equal(t, services.StateStopped, snap.State, snap.Name)
	}
}

func TestNew_RejectsCycleWithoutStartingAnything(t *testing.T) {
	rt := containerizertest.New()
	_, err := New(Config{
		Stack:    stack(svc("a", "b"), svc("b", "a")),
		Settings: testSettings(),
		Runtime:  rt,
	})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	var cyc *dependency.CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.ElementsMatch(t, []dependency.NodeID{"a", "b"}, cyc.Members())
	assert.Empty(t, rt.Journal())
}

func TestNew_RejectsSelfDependencyAsCycle(t *testing.T) {
	rt := containerizertest.New()
	_, err := New(Config{
		Stack:    stack(svc("db"), svc("app", "db", "app")),
		Settings: testSettings(),
		Runtime:  rt,
	})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	var cycle *dependency.CyclicDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []dependency.NodeID{"app"}, cycle.Members())
	assert.Empty(t, rt.Journal())
}

func TestNew_RejectsUnknownDependency(t *testing.T) {
	_, err := New(Config{
		Stack:    stack(svc("web", "db")),
		Settings: testSettings(),
		Runtime:  containerizertest.New(),
	})
	var unknown *dependency.UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, dependency.NodeID("db"), unknown.Missing)
}

func TestNew_DefaultsOmittedRestartPolicy(t *testing.T) {
	worker := svc("worker")
	worker.Restart = config.RestartAlways
	o, err := New(Config{
		Stack:    stack(svc("web"), worker),
		Settings: testSettings(),
		Runtime:  containerizertest.New(),
	})
	require.NoError(t, err)

	web, ok := o.Stack().Service("web")
	require.True(t, ok)
	assert.Equal(t, config.RestartNever, web.Restart)
	worker, ok = o.Stack().Service("worker")
	require.True(t, ok)
	assert.Equal(t, config.RestartAlways, worker.Restart)
}

func TestRun_HealthFailureAbortsAndAttributes(t *testing.T) {
	rt := containerizertest.New()
	app := svc("app", "db")
	app.Restart = config.RestartNever
	app.HealthCheck = &config.HealthCheckDefinition{
		Test:     config.ShellCommand{"false"},
		Interval: 10 * time.Millisecond,
		Timeout:  2 * time.Second,
		Retries:  2,
	}

	o, err := New(Config{
		Stack:    stack(svc("db"), app, svc("proxy", "app"), svc("exporter")),
		Settings: testSettings(),
		Runtime:  rt,
	})
	require.NoError(t, err)

	r := awaitRun(t, startRun(t, o))
	require.Error(t, r.err)
	assert.Equal(t, OutcomeAborted, r.report.Outcome)
	assert.False(t, r.report.Success())

	var runErr *RunError
	require.ErrorAs(t, r.err, &runErr)
	require.Len(t, runErr.Failures, 1)
	assert.Equal(t, "app", runErr.Failures[0].Service)
	var hf *HealthCheckFailure
	assert.ErrorAs(t, r.err, &hf)

	require.Len(t, r.report.Failures, 1)
	assert.Equal(t, "app", r.report.Failures[0].Service)

	assert.Len(t, rt.Launches("app"), 1, "never policy does not relaunch")
	assert.Empty(t, rt.Launches("proxy"), "dependents of a failed level never start")
	assert.Len(t, rt.Signals("db"), 1, "started services are torn down")
	assert.Len(t, rt.Signals("exporter"), 1)

	snap, ok := o.Service("proxy")
	require.True(t, ok)
	assert.Equal(t, services.StateStopped, snap.State)
}

func TestRun_PermanentFailureAfterStartupTearsDown(t *testing.T) {
	rt := containerizertest.New()
	worker := svc("worker", "redis")
	worker.Restart = config.RestartNever

	o, err := New(Config{
		Stack:    stack(svc("redis"), worker),
		Settings: testSettings(),
		Runtime:  rt,
	})
	require.NoError(t, err)
	res := startRun(t, o)
	waitPhase(t, o, PhaseRunning)

	require.True(t, rt.Crash("worker", 3))
	r := awaitRun(t, res)

	require.Error(t, r.err)
	assert.Equal(t, OutcomeFailed, r.report.Outcome)
	var exit *UnexpectedExit
	require.ErrorAs(t, r.err, &exit)
	assert.Equal(t, 3, exit.Status.Code)
	assert.Len(t, rt.Signals("redis"), 1)
}

func TestRun_StopDuringStartupInterrupts(t *testing.T) {
	rt := containerizertest.New()
	slow := svc("db")
	slow.HealthCheck = &config.HealthCheckDefinition{
		Test:     config.ShellCommand{"false"},
		Interval: 10 * time.Millisecond,
		Timeout:  time.Minute,
		Retries:  10000,
	}

	o, err := New(Config{
		Stack:    stack(slow, svc("web", "db")),
		Settings: testSettings(),
		Runtime:  rt,
	})
	require.NoError(t, err)
	res := startRun(t, o)

	require.Eventually(t, func() bool {
		snap, _ := o.Service("db")
		return snap.State == services.StateAwaitingHealth
	}, 5*time.Second, 5*time.Millisecond)

	o.Stop()
	r := awaitRun(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeInterrupted, r.report.Outcome)
	assert.Empty(t, rt.Launches("web"))
	assert.Len(t, rt.Signals("db"), 1)
}

func TestRun_CompletesWhenEveryServiceExitsCleanly(t *testing.T) {
	rt := containerizertest.New()
	rt.Script("migrate", containerizertest.Behavior{ExitAfter: 10 * time.Millisecond})
	rt.Script("seed", containerizertest.Behavior{ExitAfter: 10 * time.Millisecond})

	o, err := New(Config{
		Stack:    stack(svc("migrate"), svc("seed", "migrate")),
		Settings: testSettings(),
		Runtime:  rt,
	})
	require.NoError(t, err)

	r := awaitRun(t, startRun(t, o))
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeSucceeded, r.report.Outcome)
	assert.Len(t, rt.Launches("seed"), 1)
}

func TestRun_OnlyOnce(t *testing.T) {
	o, err := New(Config{Stack: stack(svc("a")), Settings: testSettings(), Runtime: containerizertest.New()})
	require.NoError(t, err)
	o.Stop()
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRan)
}

// memorySinks hands every service the same recording sink.
type memorySinks struct {
	mu      sync.Mutex
	records []logrouter.Record
}

func (m *memorySinks) ForService(config.ServiceDefinition) (logrouter.Sink, error) {
	return logrouter.SinkFunc(func(_ context.Context, rec logrouter.Record) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.records = append(m.records, rec)
		return nil
	}), nil
}

func TestRun_RoutesLogsWithRenderedGroup(t *testing.T) {
	rt := containerizertest.New()
	rt.Script("web", containerizertest.Behavior{Output: []string{"ready"}})
	web := svc("web")
	web.Logging.Tag = "{{.Stack}}/{{.Name}}"

	sinks := &memorySinks{}
	o, err := New(Config{
		Stack:    stack(web),
		Settings: testSettings(),
		Runtime:  rt,
		Router:   logrouter.NewRouter(logrouter.Options{}),
		Sinks:    sinks,
	})
	require.NoError(t, err)
	res := startRun(t, o)
	waitPhase(t, o, PhaseRunning)
	o.Stop()
	awaitRun(t, res)

	sinks.mu.Lock()
	defer sinks.mu.Unlock()
	var stdout []string
	lifecycle := 0
	for _, rec := range sinks.records {
		assert.Equal(t, "test/web", rec.Group)
		switch rec.Stream {
		case logrouter.StreamStdout:
			stdout = append(stdout, rec.Payload)
		case logrouter.StreamLifecycle:
			lifecycle++
		}
	}
	assert.Equal(t, []string{"ready"}, stdout)
	assert.Positive(t, lifecycle, "lifecycle events are forwarded to the sink")
}

func TestReload(t *testing.T) {
	current := stack(svc("db"), svc("web", "db"))
	next := stack(svc("db"), svc("web", "db"), svc("worker", "db"))
	next.Services[1].Ports = []string{"8000:8000"}

	var loaded config.StackDefinition
	var loadErr error
	o, err := New(Config{
		Stack:    current,
		Settings: testSettings(),
		Runtime:  containerizertest.New(),
		Loader:   func() (config.StackDefinition, error) { return loaded, loadErr },
	})
	require.NoError(t, err)

	loaded = next
	report, err := o.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"worker"}, report.Added)
	assert.Empty(t, report.Removed)
	require.Len(t, report.Changed, 1)
	assert.Equal(t, "web", report.Changed[0].Service)
	assert.Contains(t, report.Changed[0].Diff, "8000:8000")
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, "added worker; changed web", report.Summary())

	loaded = stack(svc("a", "b"), svc("b", "a"))
	_, err = o.Reload()
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	loadErr = errors.New("yaml: line 3: did not find expected key")
	_, err = o.Reload()
	assert.ErrorAs(t, err, &cfgErr)

	// Nothing was started by reloading.
	for _, snap := range o.Services() {
		assert.Equal(t, services.StatePending, snap.State)
	}
}

func TestDiffStacks_Removed(t *testing.T) {
	report := DiffStacks(stack(svc("a"), svc("b")), stack(svc("a")))
	assert.Equal(t, []string{"b"}, report.Removed)
	assert.False(t, report.Empty())
	assert.True(t, DiffStacks(stack(svc("a")), stack(svc("a"))).Empty())
}
