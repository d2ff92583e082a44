package containerizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"stackctl/internal/config"
	"stackctl/pkg/logging"
)

// Pull policies.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// dockerAPI is the subset of the engine client the runtime uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (client.ImageInspectResult, error)
	ImagePull(ctx context.Context, ref string, options client.ImagePullOptions) (client.ImagePullResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options client.NetworkInspectOptions) (client.NetworkInspectResult, error)
	NetworkCreate(ctx context.Context, name string, options client.NetworkCreateOptions) (client.NetworkCreateResult, error)
	NetworkRemove(ctx context.Context, networkID string, options client.NetworkRemoveOptions) (client.NetworkRemoveResult, error)
	ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerStop(ctx context.Context, containerID string, options client.ContainerStopOptions) (client.ContainerStopResult, error)
	ContainerKill(ctx context.Context, containerID string, options client.ContainerKillOptions) (client.ContainerKillResult, error)
	ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ContainerWait(ctx context.Context, containerID string, options client.ContainerWaitOptions) client.ContainerWaitResult
	ContainerLogs(ctx context.Context, containerID string, options client.ContainerLogsOptions) (client.ContainerLogsResult, error)
	ExecCreate(ctx context.Context, containerID string, options client.ExecCreateOptions) (client.ExecCreateResult, error)
	ExecStart(ctx context.Context, execID string, options client.ExecStartOptions) (client.ExecStartResult, error)
	ExecInspect(ctx context.Context, execID string, options client.ExecInspectOptions) (client.ExecInspectResult, error)
}

// DockerRuntime launches services as containers on the local engine. All
// containers of a stack share one bridge network and are reachable by
// service name.
type DockerRuntime struct {
	api         dockerAPI
	closer      io.Closer
	pullPolicy  string
	labelPrefix string

	netMu    sync.Mutex
	networks map[string]bool
}

// NewDockerRuntime connects to the engine configured by the DOCKER_* environment.
func NewDockerRuntime(settings config.DockerSettings) (*DockerRuntime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	r := newDockerRuntime(cli, settings)
	r.closer = cli
	return r, nil
}

func newDockerRuntime(api dockerAPI, settings config.DockerSettings) *DockerRuntime {
	policy := settings.PullPolicy
	if policy == "" {
		policy = PullMissing
	}
	prefix := settings.LabelPrefix
	if prefix == "" {
		prefix = "stackctl"
	}
	return &DockerRuntime{
		api:         api,
		pullPolicy:  policy,
		labelPrefix: prefix,
		networks:    make(map[string]bool),
	}
}

func (r *DockerRuntime) Name() string { return "docker" }

// Close removes stack networks created by this runtime and closes the client.
func (r *DockerRuntime) Close(ctx context.Context) error {
	r.netMu.Lock()
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	r.networks = make(map[string]bool)
	r.netMu.Unlock()

	var errs []error
	for _, name := range names {
		if _, err := r.api.NetworkRemove(ctx, name, client.NetworkRemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove network %q: %w", name, err))
		}
	}
	if r.closer != nil {
		if err := r.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ContainerName is the deterministic name of a service container.
func ContainerName(stack, service string) string {
	if stack == "" {
		return sanitizeName(service)
	}
	return sanitizeName(stack) + "-" + sanitizeName(service)
}

// NetworkName is the bridge network shared by a stack.
func NetworkName(stack string) string {
	if stack == "" {
		return "stackctl_default"
	}
	return sanitizeName(stack) + "_default"
}

// Launch creates and starts a container for spec.
func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	subsystem := "Docker-" + spec.Service
	if spec.Image == "" {
		return nil, fmt.Errorf("container image not defined for service %s", spec.Service)
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}
	netName, err := r.ensureNetwork(ctx, spec.Stack)
	if err != nil {
		return nil, err
	}

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return nil, err
	}
	mounts, err := volumeMounts(spec.Stack, spec.BaseDir, spec.Volumes)
	if err != nil {
		return nil, err
	}

	name := ContainerName(spec.Stack, spec.Service)
	if err := r.removeStale(ctx, name); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: exposed,
		StopSignal:   spec.StopSignal,
		Labels: map[string]string{
			r.labelPrefix + ".stack":    spec.Stack,
			r.labelPrefix + ".service":  spec.Service,
			r.labelPrefix + ".instance": spec.InstanceID,
		},
	}
	if len(spec.Command) > 0 {
		cfg.Cmd = spec.Command
	}
	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
		// Restarts are the supervisor's job.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {Aliases: []string{spec.Service}},
		},
	}

	created, err := r.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
		Name:             name,
	})
	if err != nil {
		return nil, fmt.Errorf("create container %q: %w", name, err)
	}
	id := created.ID

	inst := &containerInstance{
		api:       r.api,
		id:        id,
		name:      name,
		subsystem: subsystem,
		done:      make(chan struct{}),
	}

	// Register the wait before starting so a fast exit cannot be missed.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	wait := r.api.ContainerWait(waitCtx, id, client.ContainerWaitOptions{Condition: container.WaitConditionNextExit})

	if _, err := r.api.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		cancelWait()
		inst.remove()
		return nil, fmt.Errorf("start container %q: %w", name, err)
	}
	logging.Debug(subsystem, "Container started successfully with ID %s", shortID(id))

	logsDone := make(chan struct{})
	logs, err := r.api.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logging.Error(subsystem, err, "Failed to get container logs, continuing anyway")
		close(logsDone)
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			if _, err := stdcopy.StdCopy(writerOrDiscard(spec.Stdout), writerOrDiscard(spec.Stderr), logs); err != nil && !errors.Is(err, context.Canceled) {
				logging.Debug(subsystem, "Log stream ended: %v", err)
			}
		}()
	}

	go inst.watch(wait, cancelWait, logsDone)
	return inst, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if r.pullPolicy != PullAlways {
		_, err := r.api.ImageInspect(ctx, ref)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect image %q: %w", ref, err)
		}
		if r.pullPolicy == PullNever {
			return fmt.Errorf("image %q not present and pull policy is %q: %w", ref, PullNever, err)
		}
	}

	logging.Info("Docker", "Pulling image %s", ref)
	resp, err := r.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer resp.Close()
	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context, stack string) (string, error) {
	name := NetworkName(stack)

	r.netMu.Lock()
	defer r.netMu.Unlock()
	if r.networks[name] {
		return name, nil
	}

	_, err := r.api.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return name, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect network %q: %w", name, err)
	}

	_, err = r.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Driver: "bridge",
		Labels: map[string]string{r.labelPrefix + ".stack": stack},
	})
	if err != nil {
		// Created concurrently by someone else: re-check instead of matching strings.
		if _, ie := r.api.NetworkInspect(ctx, name, client.NetworkInspectOptions{}); ie == nil {
			return name, nil
		}
		return "", fmt.Errorf("create network %q: %w", name, err)
	}
	r.networks[name] = true
	return name, nil
}

// removeStale deletes a leftover container with the same name, for example
// after a crash of a previous run.
func (r *DockerRuntime) removeStale(ctx context.Context, name string) error {
	_, err := r.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("remove existing container %q: %w", name, err)
}

type containerInstance struct {
	api       dockerAPI
	id        string
	name      string
	subsystem string

	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func (c *containerInstance) ID() string { return c.id }

func (c *containerInstance) Done() <-chan struct{} { return c.done }

func (c *containerInstance) Status() ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *containerInstance) watch(wait client.ContainerWaitResult, cancel context.CancelFunc, logsDone <-chan struct{}) {
	defer cancel()

	status := ExitStatus{}
	select {
	case res := <-wait.Result:
		status.Code = int(res.StatusCode)
		if res.Error != nil && res.Error.Message != "" {
			status.Err = errors.New(res.Error.Message)
		}
	case err := <-wait.Error:
		status.Code = -1
		status.Err = fmt.Errorf("wait for container: %w", err)
	}
	status.ExitedAt = time.Now()

	select {
	case <-logsDone:
	case <-time.After(outputDrainTimeout):
		logging.Debug(c.subsystem, "Log stream still open after exit, removing anyway")
	}

	c.remove()

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	logging.Debug(c.subsystem, "Container %s exited: %s", shortID(c.id), status)
	close(c.done)
}

func (c *containerInstance) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.api.ContainerRemove(ctx, c.id, client.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logging.Warn(c.subsystem, "Failed to remove container %s: %v", shortID(c.id), err)
	}
}

// Stop asks the engine to stop the container with its stop signal and kill
// it after grace.
func (c *containerInstance) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	timeout := int(math.Ceil(grace.Seconds()))
	if _, err := c.api.ContainerStop(ctx, c.id, client.ContainerStopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		logging.Warn(c.subsystem, "Graceful stop failed, killing: %v", err)
		if _, kerr := c.api.ContainerKill(context.Background(), c.id, client.ContainerKillOptions{Signal: "SIGKILL"}); kerr != nil && !errdefs.IsNotFound(kerr) {
			return fmt.Errorf("kill container %s: %w", shortID(c.id), kerr)
		}
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec runs cmd inside the container and returns its exit code.
func (c *containerInstance) Exec(ctx context.Context, cmd []string) (int, error) {
	created, err := c.api.ExecCreate(ctx, c.id, client.ExecCreateOptions{Cmd: cmd})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}
	if _, err := c.api.ExecStart(ctx, created.ID, client.ExecStartOptions{Detach: true}); err != nil {
		return -1, fmt.Errorf("start exec: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := c.api.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
		if err != nil {
			return -1, fmt.Errorf("inspect exec: %w", err)
		}
		if !res.Running {
			return res.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
