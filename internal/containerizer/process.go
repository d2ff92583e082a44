package containerizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"stackctl/pkg/logging"
)

// outputDrainTimeout bounds how long Wait keeps copying output from
// grandchildren that still hold the pipes after the main process exited.
const outputDrainTimeout = 2 * time.Second

// ProcessRuntime launches services as local process groups.
type ProcessRuntime struct{}

// NewProcessRuntime returns the local process launcher.
func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{}
}

func (r *ProcessRuntime) Name() string { return "process" }

// Launch starts spec.Command in its own process group.
func (r *ProcessRuntime) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	subsystem := "Process-" + spec.Service
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("no command defined for service %s", spec.Service)
	}
	if len(spec.Volumes) > 0 || len(spec.Ports) > 0 {
		logging.Debug(subsystem, "Volumes and ports are ignored for local processes")
	}
	stopSignal, err := ParseSignal(spec.StopSignal)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ() // Inherit current environment
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Dir = resolveDir(spec.BaseDir, spec.WorkingDir)
	cmd.Stdout = writerOrDiscard(spec.Stdout)
	cmd.Stderr = writerOrDiscard(spec.Stderr)
	cmd.WaitDelay = outputDrainTimeout

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s %v: %w", spec.Command[0], spec.Command[1:], err)
	}

	p := &processInstance{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		stopSignal: stopSignal,
		done:       make(chan struct{}),
		subsystem:  subsystem,
	}
	logging.Debug(subsystem, "Started %s (PID: %d)", spec.Command[0], p.pid)

	go p.wait()
	return p, nil
}

type processInstance struct {
	cmd        *exec.Cmd
	pid        int
	stopSignal syscall.Signal
	subsystem  string

	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func (p *processInstance) ID() string { return strconv.Itoa(p.pid) }

func (p *processInstance) Done() <-chan struct{} { return p.done }

func (p *processInstance) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *processInstance) wait() {
	err := p.cmd.Wait()
	status := ExitStatus{ExitedAt: time.Now()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Code = 128 + int(ws.Signal())
		}
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited cleanly; only the output copy was cut short.
		if p.cmd.ProcessState != nil {
			status.Code = p.cmd.ProcessState.ExitCode()
		}
	default:
		status.Code = -1
		status.Err = err
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	logging.Debug(p.subsystem, "Process %d exited: %s", p.pid, status)
	close(p.done)
}

func (p *processInstance) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := syscall.Kill(-p.pid, p.stopSignal); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", p.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		logging.Warn(p.subsystem, "Process %d did not exit within %s, killing", p.pid, grace)
	case <-ctx.Done():
		logging.Warn(p.subsystem, "Stop of process %d interrupted, killing", p.pid)
	}

	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", p.pid, err)
	}
	<-p.done // Wait for the process to actually exit after kill
	return nil
}

func resolveDir(base, dir string) string {
	switch {
	case dir == "":
		return base
	case filepath.IsAbs(dir) || base == "":
		return dir
	default:
		return filepath.Join(base, dir)
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
