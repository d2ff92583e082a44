package containerizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackctl/internal/config"
)

// frame encodes payload in the engine's multiplexed log format.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

type fakeDocker struct {
	mu sync.Mutex

	images      map[string]bool
	pullErr     error
	startErr    error
	execCode    int
	logs        []byte
	networks    map[string]bool
	calls       []string
	created     []client.ContainerCreateOptions
	removed     []string
	stopTimeout *int

	exit chan container.WaitResponse
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:   map[string]bool{},
		networks: map[string]bool{},
		exit:     make(chan container.WaitResponse, 1),
	}
}

func (f *fakeDocker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDocker) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (client.ImageInspectResult, error) {
	f.record("ImageInspect")
	if f.images[ref] {
		return client.ImageInspectResult{}, nil
	}
	return client.ImageInspectResult{}, errdefs.ErrNotFound
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ client.ImagePullOptions) (client.ImagePullResponse, error) {
	f.record("ImagePull")
	return nil, f.pullErr
}

func (f *fakeDocker) NetworkInspect(ctx context.Context, name string, _ client.NetworkInspectOptions) (client.NetworkInspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[name] {
		return client.NetworkInspectResult{}, nil
	}
	return client.NetworkInspectResult{}, errdefs.ErrNotFound
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, _ client.NetworkCreateOptions) (client.NetworkCreateResult, error) {
	f.record("NetworkCreate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return client.NetworkCreateResult{ID: name}, nil
}

func (f *fakeDocker) NetworkRemove(ctx context.Context, name string, _ client.NetworkRemoveOptions) (client.NetworkRemoveResult, error) {
	f.record("NetworkRemove")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return client.NetworkRemoveResult{}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, opts client.ContainerCreateOptions) (client.ContainerCreateResult, error) {
	f.record("ContainerCreate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return client.ContainerCreateResult{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ client.ContainerStartOptions) (client.ContainerStartResult, error) {
	f.record("ContainerStart")
	return client.ContainerStartResult{}, f.startErr
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, opts client.ContainerStopOptions) (client.ContainerStopResult, error) {
	f.record("ContainerStop")
	f.mu.Lock()
	f.stopTimeout = opts.Timeout
	f.mu.Unlock()
	f.exit <- container.WaitResponse{StatusCode: 143}
	return client.ContainerStopResult{}, nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id string, _ client.ContainerKillOptions) (client.ContainerKillResult, error) {
	f.record("ContainerKill")
	return client.ContainerKillResult{}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ client.ContainerRemoveOptions) (client.ContainerRemoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return client.ContainerRemoveResult{}, nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ client.ContainerWaitOptions) client.ContainerWaitResult {
	return client.ContainerWaitResult{Result: f.exit, Error: make(chan error)}
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ client.ContainerLogsOptions) (client.ContainerLogsResult, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ExecCreate(ctx context.Context, id string, opts client.ExecCreateOptions) (client.ExecCreateResult, error) {
	f.record("ExecCreate")
	return client.ExecCreateResult{ID: "exec-1"}, nil
}

func (f *fakeDocker) ExecStart(ctx context.Context, id string, _ client.ExecStartOptions) (client.ExecStartResult, error) {
	return client.ExecStartResult{}, nil
}

func (f *fakeDocker) ExecInspect(ctx context.Context, id string, _ client.ExecInspectOptions) (client.ExecInspectResult, error) {
	return client.ExecInspectResult{ID: id, ExitCode: f.execCode}, nil
}

func (f *fakeDocker) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func launchSpec(stdout, stderr io.Writer) LaunchSpec {
	return LaunchSpec{
		Stack:      "shop",
		Service:    "app",
		InstanceID: "inst-1",
		Image:      "shop/app:latest",
		Command:    []string{"gunicorn", "app:wsgi"},
		Env:        []string{"A=1"},
		Ports:      []string{"127.0.0.1:8000:8000"},
		Volumes:    []config.VolumeMount{{Source: "media", Target: "/srv/media"}, {Source: "/etc/app", Target: "/etc/app", ReadOnly: true}},
		StopSignal: "SIGINT",
		BaseDir:    "/srv/shop",
		Stdout:     stdout,
		Stderr:     stderr,
	}
}

func TestDockerRuntime_LaunchAndStop(t *testing.T) {
	api := newFakeDocker()
	api.images["shop/app:latest"] = true
	api.logs = append(frame(1, "listening on :8000\n"), frame(2, "warning: debug mode\n")...)

	rt := newDockerRuntime(api, config.DockerSettings{})
	var stdout, stderr bytes.Buffer

	inst, err := rt.Launch(context.Background(), launchSpec(&stdout, &stderr))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", inst.ID())
	assert.False(t, api.called("ImagePull"), "image present, missing policy must not pull")
	assert.True(t, api.called("NetworkCreate"))

	require.Len(t, api.created, 1)
	opts := api.created[0]
	assert.Equal(t, "shop-app", opts.Name)
	assert.Equal(t, []string{"gunicorn", "app:wsgi"}, []string(opts.Config.Cmd))
	assert.Equal(t, "SIGINT", opts.Config.StopSignal)
	assert.Equal(t, "app", opts.Config.Labels["stackctl.service"])
	assert.Equal(t, "inst-1", opts.Config.Labels["stackctl.instance"])
	assert.Equal(t, container.RestartPolicyDisabled, opts.HostConfig.RestartPolicy.Name)
	assert.Equal(t, []mount.Mount{
		{Type: mount.TypeVolume, Source: "shop_media", Target: "/srv/media"},
		{Type: mount.TypeBind, Source: "/etc/app", Target: "/etc/app", ReadOnly: true},
	}, opts.HostConfig.Mounts)
	port, _ := network.PortFrom(8000, "tcp")
	require.Len(t, opts.HostConfig.PortBindings[port], 1)
	assert.Equal(t, "8000", opts.HostConfig.PortBindings[port][0].HostPort)
	assert.Contains(t, opts.NetworkingConfig.EndpointsConfig, "shop_default")

	require.NoError(t, inst.Stop(context.Background(), 1500*time.Millisecond))
	<-inst.Done()

	assert.Equal(t, 143, inst.Status().Code)
	require.NotNil(t, api.stopTimeout)
	assert.Equal(t, 2, *api.stopTimeout, "grace is rounded up to whole seconds")
	assert.Contains(t, api.removed, "0123456789abcdef0123")
	assert.Equal(t, "listening on :8000\n", stdout.String())
	assert.Equal(t, "warning: debug mode\n", stderr.String())

	// Stopping again is a no-op.
	assert.NoError(t, inst.Stop(context.Background(), time.Second))

	require.NoError(t, rt.Close(context.Background()))
	assert.True(t, api.called("NetworkRemove"))
}

func TestDockerRuntime_UnexpectedExit(t *testing.T) {
	api := newFakeDocker()
	api.images["shop/app:latest"] = true
	rt := newDockerRuntime(api, config.DockerSettings{})

	inst, err := rt.Launch(context.Background(), launchSpec(nil, nil))
	require.NoError(t, err)

	api.exit <- container.WaitResponse{StatusCode: 3}
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not report exit")
	}
	assert.Equal(t, 3, inst.Status().Code)
	assert.False(t, inst.Status().Success())
}

func TestDockerRuntime_PullPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   string
		present  bool
		pullErr  error
		wantPull bool
		wantErr  bool
	}{
		{name: "missing pulls absent image", policy: PullMissing, present: false, wantPull: true},
		{name: "missing skips present image", policy: PullMissing, present: true, wantPull: false},
		{name: "never fails on absent image", policy: PullNever, present: false, wantErr: true},
		{name: "pull error surfaces", policy: PullAlways, present: true, pullErr: errors.New("denied"), wantPull: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeDocker()
			api.images["img"] = tt.present
			api.pullErr = tt.pullErr
			if tt.pullErr == nil {
				// A successful pull cannot be faked without a response body;
				// only check that it was attempted.
				api.pullErr = errors.New("stop here")
			}
			rt := newDockerRuntime(api, config.DockerSettings{PullPolicy: tt.policy})

			err := rt.ensureImage(context.Background(), "img")
			assert.Equal(t, tt.wantPull, api.called("ImagePull"))
			if tt.wantErr {
				assert.Error(t, err)
			}
			if !tt.wantPull && !tt.wantErr {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDockerRuntime_StartFailureRemovesContainer(t *testing.T) {
	api := newFakeDocker()
	api.images["shop/app:latest"] = true
	api.startErr = errors.New("port is already allocated")
	rt := newDockerRuntime(api, config.DockerSettings{})

	_, err := rt.Launch(context.Background(), launchSpec(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port is already allocated")
	assert.Contains(t, api.removed, "0123456789abcdef0123")
}

func TestContainerInstance_Exec(t *testing.T) {
	api := newFakeDocker()
	api.images["shop/app:latest"] = true
	api.execCode = 7
	rt := newDockerRuntime(api, config.DockerSettings{})

	inst, err := rt.Launch(context.Background(), launchSpec(nil, nil))
	require.NoError(t, err)

	execer, ok := inst.(interface {
		Exec(ctx context.Context, cmd []string) (int, error)
	})
	require.True(t, ok)
	code, err := execer.Exec(context.Background(), []string{"pg_isready"})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "my-shop-web-app", ContainerName("My Shop", "web-app"))
	assert.Equal(t, "my-shop_default", NetworkName("My Shop"))
	assert.Equal(t, "my-shop_data", VolumeName("My Shop", "data"))
	assert.Equal(t, "stackctl_default", NetworkName(""))
}
