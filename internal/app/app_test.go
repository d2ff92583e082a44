package app

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackctl/internal/config"
	"stackctl/internal/dependency"
	"stackctl/internal/orchestrator"
)

type recordingTarget struct {
	stops   int
	reloads int
	err     error
}

func (r *recordingTarget) Stop() { r.stops++ }

func (r *recordingTarget) Reload() (orchestrator.ReloadReport, error) {
	r.reloads++
	return orchestrator.ReloadReport{}, r.err
}

func TestDispatchSignal(t *testing.T) {
	tests := []struct {
		sig         os.Signal
		wantStops   int
		wantReloads int
	}{
		{sig: syscall.SIGINT, wantStops: 1},
		{sig: syscall.SIGTERM, wantStops: 1},
		{sig: syscall.SIGHUP, wantReloads: 1},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			target := &recordingTarget{err: errors.New("bad file")}
			dispatchSignal(tt.sig, target)
			assert.Equal(t, tt.wantStops, target.stops)
			assert.Equal(t, tt.wantReloads, target.reloads)
		})
	}
}

func writeStack(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestInspect(t *testing.T) {
	path := writeStack(t, `
name: shop
services:
  redis:
    image: redis:7
  web:
    command: ["python", "app.py"]
    depends_on: [redis]
`)
	stack, graph, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "shop", stack.Name)
	assert.Equal(t, []dependency.NodeID{"redis", "web"}, graph.StartupOrder())
}

func TestInspect_Cycle(t *testing.T) {
	path := writeStack(t, `
services:
  a:
    command: ["true"]
    depends_on: [b]
  b:
    command: ["true"]
    depends_on: [a]
`)
	_, _, err := Inspect(path)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	var cyc *dependency.CyclicDependencyError
	assert.ErrorAs(t, err, &cyc)
	assert.Equal(t, 2, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(&orchestrator.RunError{Outcome: orchestrator.OutcomeFailed}))
	assert.Equal(t, 2, ExitCode(&config.ConfigError{Err: errors.New("x")}))
}

func TestNewRuntime_SkipsDockerForCommandStacks(t *testing.T) {
	d, err := newRuntime(config.GetDefaultSettings(), config.StackDefinition{
		Services: []config.ServiceDefinition{{Name: "web", Command: config.ShellCommand{"true"}}},
	})
	require.NoError(t, err)
	assert.Nil(t, d.Container)
	assert.NotNil(t, d.Process)
}
