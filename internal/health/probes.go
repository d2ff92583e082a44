package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stackctl/internal/config"
)

// Probe checks readiness once. A nil error means ready.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Execer runs a command inside a running service instance and returns its
// exit code. Container instances implement it.
type Execer interface {
	Exec(ctx context.Context, cmd []string) (int, error)
}

// commandWaitDelay bounds how long a cancelled probe may hold its output
// pipe open.
const commandWaitDelay = 100 * time.Millisecond

// CommandProbe runs a local command and treats exit code 0 as healthy.
// Cancelling ctx kills the command's whole process group.
type CommandProbe struct {
	Argv []string
	Env  []string
	Dir  string
}

func (p CommandProbe) Check(ctx context.Context) error {
	if len(p.Argv) == 0 {
		return errors.New("empty probe command")
	}
	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Dir = p.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = commandWaitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("probe %q failed: %w%s", strings.Join(p.Argv, " "), err, outputTail(out.Bytes()))
	}
	return nil
}

// ExecProbe runs a command inside the service instance.
type ExecProbe struct {
	Execer Execer
	Argv   []string
}

func (p ExecProbe) Check(ctx context.Context) error {
	code, err := p.Execer.Exec(ctx, p.Argv)
	if err != nil {
		return fmt.Errorf("exec probe %q: %w", strings.Join(p.Argv, " "), err)
	}
	if code != 0 {
		return fmt.Errorf("exec probe %q exited with code %d", strings.Join(p.Argv, " "), code)
	}
	return nil
}

// HTTPProbe issues a GET and accepts any status in [Low, High].
type HTTPProbe struct {
	URL       string
	Low, High int
	Client    *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < p.Low || resp.StatusCode > p.High {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s returned status %d (want %d-%d): %s", p.URL, resp.StatusCode, p.Low, p.High, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// TCPProbe succeeds when a connection to Address can be established.
type TCPProbe struct {
	Address string
}

func (p TCPProbe) Check(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.Address, err)
	}
	return conn.Close()
}

// RedisProbe sends PING and expects PONG.
type RedisProbe struct {
	Options *redis.Options
}

func (p RedisProbe) Check(ctx context.Context) error {
	opts := *p.Options
	opts.MaxRetries = -1
	client := redis.NewClient(&opts)
	defer client.Close()

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	if pong != "PONG" {
		return fmt.Errorf("redis ping %s: unexpected reply %q", opts.Addr, pong)
	}
	return nil
}

// Target carries what a probe needs to know about the instance it checks.
type Target struct {
	// Execer is set for container instances; command probes then run inside it.
	Execer Execer
	Env    []string
	Dir    string
}

// NewSpec turns a health check definition into a readiness Spec. A nil or
// disabled definition yields a Spec without a probe.
func NewSpec(service string, def *config.HealthCheckDefinition, target Target) (Spec, error) {
	spec := Spec{Service: service}
	if !def.Probed() {
		return spec, nil
	}
	d := def.WithDefaults()
	spec.Interval = d.Interval
	spec.Timeout = d.Timeout
	spec.AttemptTimeout = d.AttemptTimeout
	spec.Retries = d.Retries
	spec.StartPeriod = d.StartPeriod

	switch {
	case len(d.Test) > 0:
		if target.Execer != nil {
			spec.Probe = ExecProbe{Execer: target.Execer, Argv: d.Test}
		} else {
			spec.Probe = CommandProbe{Argv: d.Test, Env: target.Env, Dir: target.Dir}
		}
	case d.HTTP != nil:
		low, high, err := config.ParseStatusRange(d.HTTP.ExpectStatus)
		if err != nil {
			return Spec{}, err
		}
		spec.Probe = HTTPProbe{URL: d.HTTP.URL, Low: low, High: high}
	case d.TCP != "":
		spec.Probe = TCPProbe{Address: d.TCP}
	case d.Redis != nil:
		spec.Probe = RedisProbe{Options: &redis.Options{
			Addr:     d.Redis.Addr,
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
		}}
	}
	return spec, nil
}

func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	if len(s) > 200 {
		s = "..." + s[len(s)-200:]
	}
	return ": " + s
}
