package app

import (
	"stackctl/internal/config"
)

// Config holds the command-line choices for one invocation.
type Config struct {
	// StackPath is the stack file; empty means ./stack.yaml.
	StackPath string

	// TUI shows the live dashboard instead of prefixed console output.
	TUI bool

	// Debug lowers the log level to debug.
	Debug bool

	// APIListen overrides settings.api.listen when set.
	APIListen string
	// NoAPI disables the control API for this run.
	NoAPI bool

	// Settings are filled in by NewApplication.
	Settings config.Settings
}

// NewConfig creates an application configuration.
func NewConfig(stackPath string, tui, debug bool) *Config {
	return &Config{
		StackPath: stackPath,
		TUI:       tui,
		Debug:     debug,
	}
}
