package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"stackctl/internal/api"
	"stackctl/internal/config"
	"stackctl/internal/containerizer"
	"stackctl/internal/dependency"
	"stackctl/internal/logrouter"
	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/internal/tui"
	"stackctl/pkg/logging"
)

const subsystem = "Bootstrap"

// shutdownTimeout bounds closing the API, sinks and runtimes after a run.
const shutdownTimeout = 10 * time.Second

// Application wires one run of a stack.
type Application struct {
	config  *Config
	stack   config.StackDefinition
	runtime *containerizer.Dispatcher
	router  *logrouter.Router
	sinks   *logrouter.SinkFactory
	orch    *orchestrator.Orchestrator

	logChan <-chan logging.LogEntry
	output  *tui.OutputPipe
	stdout  io.Writer
}

// NewApplication loads settings and the stack file and prepares the
// orchestrator. Nothing is started yet.
func NewApplication(cfg *Config) (*Application, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	cfg.Settings = settings

	level := logging.ParseLevel(settings.LogLevel)
	if cfg.Debug {
		level = logging.LevelDebug
	}

	a := &Application{config: cfg, stdout: os.Stdout}
	if cfg.TUI {
		a.logChan = logging.InitForTUI(level)
		a.output = tui.NewOutputPipe(0)
	} else {
		logging.InitForCLI(level, os.Stderr)
	}

	stack, err := config.LoadStack(cfg.StackPath)
	if err != nil {
		logging.Error(subsystem, err, "Failed to load stack")
		return nil, err
	}
	a.stack = stack
	logging.Info(subsystem, "Loaded stack %s from %s (%d services)", stack.Name, stack.Path, len(stack.Services))

	a.runtime, err = newRuntime(settings, stack)
	if err != nil {
		return nil, err
	}

	var console io.Writer = a.stdout
	if a.output != nil {
		console = a.output
	}
	a.sinks = logrouter.NewSinkFactory(console, settings.Logs.Directory, baseDir(stack))

	opts := logrouter.DefaultOptions()
	if settings.Logs.BufferSize > 0 {
		opts.BufferSize = settings.Logs.BufferSize
	}
	if settings.Logs.WriteTimeout > 0 {
		opts.WriteTimeout = settings.Logs.WriteTimeout
	}
	a.router = logrouter.NewRouter(opts)

	a.orch, err = orchestrator.New(orchestrator.Config{
		Stack:    stack,
		Settings: settings,
		Runtime:  a.runtime,
		Events:   reporting.NewEventBus(),
		Router:   a.router,
		Sinks:    a.sinks,
	})
	if err != nil {
		a.closeRuntime()
		return nil, err
	}
	return a, nil
}

// newRuntime connects to Docker only when the stack has image services.
func newRuntime(settings config.Settings, stack config.StackDefinition) (*containerizer.Dispatcher, error) {
	for _, svc := range stack.Services {
		if !svc.IsContainer() {
			continue
		}
		docker, err := containerizer.NewDockerRuntime(settings.Docker)
		if err != nil {
			return nil, fmt.Errorf("connect to docker: %w", err)
		}
		return containerizer.NewDispatcher(docker), nil
	}
	return containerizer.NewDispatcher(nil), nil
}

// baseDir is where relative paths of the stack resolve.
func baseDir(stack config.StackDefinition) string {
	if stack.Path == "" {
		return "."
	}
	return filepath.Dir(stack.Path)
}

// Orchestrator exposes the prepared orchestrator.
func (a *Application) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Run starts the stack and blocks until it has been torn down. The run
// report has already been printed when Run returns.
func (a *Application) Run(ctx context.Context) (orchestrator.RunReport, error) {
	server, err := a.startAPI()
	if err != nil {
		a.shutdown(nil)
		return orchestrator.RunReport{}, err
	}

	sigCtx, stopSignals := context.WithCancel(ctx)
	go handleSignals(sigCtx, a.orch)

	type result struct {
		report orchestrator.RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := a.orch.Run(ctx)
		done <- result{report, err}
	}()

	if a.config.TUI {
		if err := tui.Run(a.orch, tui.Options{Logs: a.logChan, Output: a.output.Lines(), Dark: true}); err != nil {
			logging.Error("TUI", err, "Dashboard failed")
			a.orch.Stop()
		}
		logging.CloseTUIChannel()
		// The dashboard is gone; report teardown progress on the console.
		logging.InitForCLI(logging.LevelInfo, os.Stderr)
	}

	res := <-done
	stopSignals()
	a.shutdown(server)

	if err := tui.RenderReport(a.stdout, res.report); err != nil {
		logging.Warn(subsystem, "Could not print run report: %v", err)
	}
	return res.report, res.err
}

func (a *Application) startAPI() (*api.Server, error) {
	settings := a.config.Settings.API
	if a.config.NoAPI || !settings.Enabled {
		return nil, nil
	}
	listen := settings.Listen
	if a.config.APIListen != "" {
		listen = a.config.APIListen
	}
	server := api.NewServer(listen, a.stack.Name, a.orch)
	if _, err := server.Start(); err != nil {
		return nil, fmt.Errorf("start control API on %s: %w", listen, err)
	}
	return server, nil
}

func (a *Application) shutdown(server *api.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logging.Warn(subsystem, "Control API shutdown: %v", err)
		}
	}
	if err := a.router.Close(ctx); err != nil {
		logging.Warn(subsystem, "Log router close: %v", err)
	}
	if err := a.sinks.Close(); err != nil {
		logging.Warn(subsystem, "Closing log sinks: %v", err)
	}
	a.closeRuntime()
}

func (a *Application) closeRuntime() {
	if a.runtime == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.runtime.Close(ctx); err != nil {
		logging.Warn(subsystem, "Closing runtime: %v", err)
	}
}

// Inspect loads and checks a stack file without starting anything.
func Inspect(path string) (config.StackDefinition, *dependency.Graph, error) {
	stack, err := config.LoadStack(path)
	if err != nil {
		return config.StackDefinition{}, nil, err
	}
	graph, err := orchestrator.BuildGraph(stack)
	if err != nil {
		return stack, nil, &config.ConfigError{Path: stack.Path, Err: err}
	}
	return stack, graph, nil
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}
