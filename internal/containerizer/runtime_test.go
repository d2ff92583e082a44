package containerizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	name     string
	launched []string
	closed   bool
}

func (s *stubRuntime) Name() string { return s.name }

func (s *stubRuntime) Launch(_ context.Context, spec LaunchSpec) (Instance, error) {
	s.launched = append(s.launched, spec.Service)
	return nil, nil
}

func (s *stubRuntime) Close(context.Context) error {
	s.closed = true
	return nil
}

func TestDispatcher_RoutesByImage(t *testing.T) {
	container := &stubRuntime{name: "docker"}
	process := &stubRuntime{name: "process"}
	d := &Dispatcher{Container: container, Process: process}

	_, err := d.Launch(context.Background(), LaunchSpec{Service: "redis", Image: "redis:7"})
	require.NoError(t, err)
	_, err = d.Launch(context.Background(), LaunchSpec{Service: "web", Command: []string{"python", "app.py"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"redis"}, container.launched)
	assert.Equal(t, []string{"web"}, process.launched)

	require.NoError(t, d.Close(context.Background()))
	assert.True(t, container.closed)
	assert.True(t, process.closed)
}

func TestDispatcher_MissingContainerRuntime(t *testing.T) {
	d := NewDispatcher(nil)
	_, err := d.Launch(context.Background(), LaunchSpec{Service: "redis", Image: "redis:7"})
	assert.ErrorContains(t, err, "no runtime configured for service redis")

	inst, err := d.Launch(context.Background(), LaunchSpec{Service: "echo", Command: []string{"true"}})
	require.NoError(t, err)
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
