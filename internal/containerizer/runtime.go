package containerizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"stackctl/internal/config"
)

// LaunchSpec is everything a runtime needs to start one service instance.
// Ports and volumes are passed through verbatim; conflicts are the stack
// author's concern.
type LaunchSpec struct {
	Stack   string
	Service string
	// InstanceID is unique per launch and ends up in labels and log groups.
	InstanceID string

	Image      string
	Command    []string
	Env        []string
	WorkingDir string
	Volumes    []config.VolumeMount
	Ports      []string
	StopSignal string

	// BaseDir resolves relative bind mounts and working directories.
	BaseDir string

	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how an instance terminated.
type ExitStatus struct {
	Code int
	// Err is set when the runtime lost track of the instance rather than
	// observing a normal exit.
	Err      error
	ExitedAt time.Time
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Err == nil && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("exit code %d (%v)", s.Code, s.Err)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Instance is one launched process or container.
type Instance interface {
	// ID is the runtime identifier (container ID, or pid for processes).
	ID() string
	// Done is closed once the instance has exited and its output is drained.
	Done() <-chan struct{}
	// Status is valid after Done is closed.
	Status() ExitStatus
	// Stop sends the stop signal, waits up to grace and then kills.
	// Stopping an exited instance is a no-op.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime launches instances.
type Runtime interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}

// Dispatcher launches image services on Container and command services on
// Process.
type Dispatcher struct {
	Container Runtime
	Process   Runtime
}

// NewDispatcher pairs a container runtime with the local process runtime.
// container may be nil for stacks without images.
func NewDispatcher(container Runtime) *Dispatcher {
	return &Dispatcher{Container: container, Process: NewProcessRuntime()}
}

func (d *Dispatcher) Name() string { return "dispatch" }

// Launch routes spec by whether it names an image.
func (d *Dispatcher) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	rt := d.Process
	if spec.Image != "" {
		rt = d.Container
	}
	if rt == nil {
		return nil, fmt.Errorf("no runtime configured for service %s", spec.Service)
	}
	return rt.Launch(ctx, spec)
}

// Close releases runtimes that hold resources.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for _, rt := range []Runtime{d.Container, d.Process} {
		if c, ok := rt.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ParseSignal accepts "SIGTERM", "TERM" or a number.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = strings.TrimPrefix(upper, "SIG")
	if sig, ok := signalsByName[upper]; ok {
		return sig, nil
	}
	var n int
	if _, err := fmt.Sscanf(name, "%d", &n); err == nil && n > 0 && n < 65 {
		return syscall.Signal(n), nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

var signalsByName = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
