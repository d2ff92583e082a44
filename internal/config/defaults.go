package config

import "time"

const (
	DefaultAPIListen       = "127.0.0.1:7780"
	DefaultStopGracePeriod = 10 * time.Second
	DefaultLogBufferSize   = 1024
	DefaultMaxRestarts     = 5

	DefaultHealthInterval       = 5 * time.Second
	DefaultHealthTimeout        = 60 * time.Second
	DefaultHealthAttemptTimeout = 5 * time.Second
	DefaultHealthRetries        = 3
)

// GetDefaultSettings returns the built-in settings every layer is merged onto.
func GetDefaultSettings() Settings {
	return Settings{
		LogLevel: "info",
		API: APISettings{
			Enabled: true,
			Listen:  DefaultAPIListen,
		},
		Docker: DockerSettings{
			PullPolicy:  "missing",
			LabelPrefix: "stackctl",
		},
		Restart: RestartSettings{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxRestarts: DefaultMaxRestarts,
		},
		Logs: LogSettings{
			BufferSize:   DefaultLogBufferSize,
			WriteTimeout: 2 * time.Second,
			Directory:    "logs",
		},
	}
}

// WithDefaults fills zero-valued health check fields.
func (h HealthCheckDefinition) WithDefaults() HealthCheckDefinition {
	if h.Interval <= 0 {
		h.Interval = DefaultHealthInterval
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultHealthTimeout
	}
	if h.AttemptTimeout <= 0 {
		h.AttemptTimeout = DefaultHealthAttemptTimeout
	}
	if h.Retries <= 0 {
		h.Retries = DefaultHealthRetries
	}
	return h
}

// Probed reports whether the definition actually declares a probe.
func (h *HealthCheckDefinition) Probed() bool {
	if h == nil || h.Disable {
		return false
	}
	return len(h.Test) > 0 || h.HTTP != nil || h.TCP != "" || h.Redis != nil
}
