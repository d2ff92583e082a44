package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the global, per-user/per-project configuration of stackctl.
// It does not describe services; those live in the stack file.
type Settings struct {
	LogLevel string          `yaml:"logLevel,omitempty" env:"STACKCTL_LOG_LEVEL"`
	API      APISettings     `yaml:"api,omitempty"`
	Docker   DockerSettings  `yaml:"docker,omitempty"`
	Restart  RestartSettings `yaml:"restart,omitempty"`
	Logs     LogSettings     `yaml:"logs,omitempty"`
}

// APISettings configures the local control API of a running stack.
type APISettings struct {
	Enabled bool   `yaml:"enabled,omitempty" env:"STACKCTL_API_ENABLED"`
	Listen  string `yaml:"listen,omitempty" env:"STACKCTL_API_LISTEN"`
}

// DockerSettings controls how container services are launched.
type DockerSettings struct {
	// PullPolicy is one of "missing", "always" or "never".
	PullPolicy string `yaml:"pullPolicy,omitempty" env:"STACKCTL_PULL_POLICY"`
	// LabelPrefix namespaces the labels put on every created container.
	LabelPrefix string `yaml:"labelPrefix,omitempty" env:"STACKCTL_LABEL_PREFIX"`
}

// RestartSettings are the stack-wide defaults for automatic restarts.
type RestartSettings struct {
	BaseDelay   time.Duration `yaml:"baseDelay,omitempty" env:"STACKCTL_RESTART_BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"maxDelay,omitempty" env:"STACKCTL_RESTART_MAX_DELAY"`
	MaxRestarts int           `yaml:"maxRestarts,omitempty" env:"STACKCTL_RESTART_MAX"`
}

// LogSettings are defaults for the log router.
type LogSettings struct {
	BufferSize   int           `yaml:"bufferSize,omitempty" env:"STACKCTL_LOG_BUFFER"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty" env:"STACKCTL_LOG_WRITE_TIMEOUT"`
	Directory    string        `yaml:"directory,omitempty" env:"STACKCTL_LOG_DIR"`
}

// StackDefinition is the parsed stack file: a named, ordered set of services.
type StackDefinition struct {
	Name     string              `yaml:"name"`
	Services []ServiceDefinition `yaml:"-"`

	// Path is the file the stack was loaded from, empty for in-memory stacks.
	Path string `yaml:"-"`
}

// Service returns the definition with the given name.
func (s StackDefinition) Service(name string) (ServiceDefinition, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceDefinition{}, false
}

// Normalized returns a copy of the stack with omitted service fields set
// to their defaults.
func (s StackDefinition) Normalized() StackDefinition {
	out := s
	out.Services = make([]ServiceDefinition, len(s.Services))
	for i, svc := range s.Services {
		if svc.Restart == "" {
			svc.Restart = RestartNever
		}
		out.Services[i] = svc
	}
	return out
}

// ServiceDefinition is the immutable descriptor of one service.
// A definition runs either an image (Docker) or a local command.
type ServiceDefinition struct {
	Name            string                 `yaml:"-"`
	Image           string                 `yaml:"image,omitempty"`
	Command         ShellCommand           `yaml:"command,omitempty"`
	WorkingDir      string                 `yaml:"working_dir,omitempty"`
	Environment     Environment            `yaml:"environment,omitempty"`
	EnvFiles        StringList             `yaml:"env_file,omitempty"`
	DependsOn       DependencyList         `yaml:"depends_on,omitempty"`
	HealthCheck     *HealthCheckDefinition `yaml:"healthcheck,omitempty"`
	Restart         RestartPolicy          `yaml:"restart,omitempty"`
	MaxRestarts     int                    `yaml:"max_restarts,omitempty"`
	Logging         LoggingDefinition      `yaml:"logging,omitempty"`
	Volumes         []VolumeMount          `yaml:"volumes,omitempty"`
	Ports           []string               `yaml:"ports,omitempty"`
	StopGracePeriod time.Duration          `yaml:"stop_grace_period,omitempty"`
	StopSignal      string                 `yaml:"stop_signal,omitempty"`
}

// IsContainer reports whether the service is launched from an image.
func (s ServiceDefinition) IsContainer() bool {
	return s.Image != ""
}

// RestartPolicy decides whether a failed service is launched again.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// UnmarshalYAML accepts the compose spellings ("no", "unless-stopped") too.
func (p *RestartPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseRestartPolicy(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseRestartPolicy normalizes a textual restart policy.
func ParseRestartPolicy(raw string) (RestartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "no", "never":
		return RestartNever, nil
	case "on-failure":
		return RestartOnFailure, nil
	case "always", "unless-stopped":
		return RestartAlways, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", raw)
	}
}

// HealthCheckDefinition declares how readiness is probed.
// Exactly one of Test, HTTP, TCP or Redis is set unless Disable is true.
type HealthCheckDefinition struct {
	Test  ShellCommand `yaml:"test,omitempty"`
	HTTP  *HTTPCheck   `yaml:"http,omitempty"`
	TCP   string       `yaml:"tcp,omitempty"`
	Redis *RedisCheck  `yaml:"redis,omitempty"`

	Interval       time.Duration `yaml:"interval,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`         // total readiness budget
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty"` // per probe execution
	Retries        int           `yaml:"retries,omitempty"`
	StartPeriod    time.Duration `yaml:"start_period,omitempty"`
	Disable        bool          `yaml:"disable,omitempty"`
}

// HTTPCheck is a GET against URL expecting a status inside ExpectStatus ("200-399").
type HTTPCheck struct {
	URL          string `yaml:"url"`
	ExpectStatus string `yaml:"expect_status,omitempty"`
}

// RedisCheck issues PING against a Redis server.
type RedisCheck struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Log drivers understood by the log router.
const (
	LogDriverConsole = "console"
	LogDriverFile    = "file"
	LogDriverRedis   = "redis"
	LogDriverDiscard = "discard"
)

// LoggingDefinition routes a service's output to a sink.
type LoggingDefinition struct {
	Driver string `yaml:"driver,omitempty"`
	// Tag is a text/template rendered into the record group, e.g.
	// "{{.Stack}}/{{.Name}}/{{.ShortID}}".
	Tag        string            `yaml:"tag,omitempty"`
	BufferSize int               `yaml:"buffer_size,omitempty"`
	Options    map[string]string `yaml:"options,omitempty"`
}

// VolumeMount binds Source into the service at Target.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// UnmarshalYAML parses the short "source:target[:ro|:rw]" syntax and the long
// mapping form {source, target, read_only}.
func (v *VolumeMount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseVolumeMount(node.Value)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
	var long struct {
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		ReadOnly bool   `yaml:"read_only"`
	}
	if err := node.Decode(&long); err != nil {
		return err
	}
	if long.Source == "" || long.Target == "" {
		return fmt.Errorf("line %d: volume needs both source and target", node.Line)
	}
	*v = VolumeMount{Source: long.Source, Target: long.Target, ReadOnly: long.ReadOnly}
	return nil
}

// String renders the mount in short syntax.
func (v VolumeMount) String() string {
	mode := "rw"
	if v.ReadOnly {
		mode = "ro"
	}
	return v.Source + ":" + v.Target + ":" + mode
}

// ParseVolumeMount parses "source:target[:ro|:rw]".
func ParseVolumeMount(raw string) (VolumeMount, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return VolumeMount{}, fmt.Errorf("invalid volume %q", raw)
		}
		return VolumeMount{Source: parts[0], Target: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" {
			return VolumeMount{}, fmt.Errorf("invalid volume %q", raw)
		}
		switch parts[2] {
		case "ro":
			return VolumeMount{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
		case "rw":
			return VolumeMount{Source: parts[0], Target: parts[1]}, nil
		}
		return VolumeMount{}, fmt.Errorf("invalid volume mode %q in %q", parts[2], raw)
	default:
		return VolumeMount{}, fmt.Errorf("invalid volume %q, expected source:target[:ro|:rw]", raw)
	}
}

// EnvVar is one KEY=value pair.
type EnvVar struct {
	Key   string
	Value string
}

// Environment keeps variables in declaration order.
type Environment []EnvVar

// UnmarshalYAML accepts both a list of "KEY=value" strings and a mapping.
func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	var out Environment
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			key, value, ok := strings.Cut(item.Value, "=")
			if !ok || key == "" {
				return fmt.Errorf("line %d: environment entry %q must be KEY=value", item.Line, item.Value)
			}
			out = append(out, EnvVar{Key: key, Value: value})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, EnvVar{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
		}
	default:
		return fmt.Errorf("line %d: environment must be a list or a mapping", node.Line)
	}
	*e = out
	return nil
}

// Strings renders the environment as KEY=value entries.
func (e Environment) Strings() []string {
	out := make([]string, 0, len(e))
	for _, kv := range e {
		out = append(out, kv.Key+"="+kv.Value)
	}
	return out
}

// With returns a copy where entries from overlay replace or append to e.
// Position of replaced keys is kept.
func (e Environment) With(overlay Environment) Environment {
	out := make(Environment, len(e), len(e)+len(overlay))
	copy(out, e)
	index := make(map[string]int, len(out))
	for i, kv := range out {
		index[kv.Key] = i
	}
	for _, kv := range overlay {
		if i, ok := index[kv.Key]; ok {
			out[i] = kv
			continue
		}
		index[kv.Key] = len(out)
		out = append(out, kv)
	}
	return out
}

// ShellCommand is an argv. A scalar is split on whitespace; compose style
// ["CMD", ...] and ["CMD-SHELL", "..."] forms are normalized.
type ShellCommand []string

func (c *ShellCommand) UnmarshalYAML(node *yaml.Node) error {
	var argv []string
	switch node.Kind {
	case yaml.ScalarNode:
		argv = strings.Fields(node.Value)
	case yaml.SequenceNode:
		if err := node.Decode(&argv); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
	if len(argv) > 0 {
		switch argv[0] {
		case "CMD":
			argv = argv[1:]
		case "CMD-SHELL":
			argv = []string{"/bin/sh", "-c", strings.Join(argv[1:], " ")}
		case "NONE":
			argv = nil
		}
	}
	*c = argv
	return nil
}

// StringList accepts a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}
		return nil
	}
	var out []string
	if err := node.Decode(&out); err != nil {
		return err
	}
	*l = out
	return nil
}

// DependencyList accepts a list of names or the compose mapping form
// (name -> {condition: ...}). Every dependency is gated on health.
type DependencyList []string

func (d *DependencyList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*d = out
	case yaml.MappingNode:
		out := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, node.Content[i].Value)
		}
		*d = out
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a mapping", node.Line)
	}
	return nil
}
