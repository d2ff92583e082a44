package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/stackctl"
	projectConfigDir = ".stackctl"
	configFileName   = "config.yaml"

	// DefaultStackFile is looked up in the working directory when no path is given.
	DefaultStackFile = "stack.yaml"
)

// LoadSettings loads settings by layering defaults, user, project and environment.
func LoadSettings() (Settings, error) {
	settings := GetDefaultSettings()

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// User settings are optional.
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else if _, err := os.Stat(userConfigPath); err == nil {
		userSettings, err := loadSettingsFromFile(userConfigPath)
		if err != nil {
			return Settings{}, &ConfigError{Path: userConfigPath, Err: err}
		}
		settings = mergeSettings(settings, userSettings)
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else if _, err := os.Stat(projectConfigPath); err == nil {
		projectSettings, err := loadSettingsFromFile(projectConfigPath)
		if err != nil {
			return Settings{}, &ConfigError{Path: projectConfigPath, Err: err}
		}
		settings = mergeSettings(settings, projectSettings)
	}

	if err := env.Parse(&settings); err != nil {
		return Settings{}, &ConfigError{Path: "environment", Err: err}
	}

	return settings, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

func loadSettingsFromFile(filePath string) (Settings, error) {
	var settings Settings
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Settings{}, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// mergeSettings merges 'overlay' into 'base'; only non-zero overlay fields win.
func mergeSettings(base, overlay Settings) Settings {
	merged := base

	if overlay.LogLevel != "" {
		merged.LogLevel = overlay.LogLevel
	}

	if overlay.API.Listen != "" {
		merged.API.Listen = overlay.API.Listen
	}
	// An overlay that mentions the API at all decides whether it is enabled.
	if overlay.API != (APISettings{}) {
		merged.API.Enabled = overlay.API.Enabled
	}

	if overlay.Docker.PullPolicy != "" {
		merged.Docker.PullPolicy = overlay.Docker.PullPolicy
	}
	if overlay.Docker.LabelPrefix != "" {
		merged.Docker.LabelPrefix = overlay.Docker.LabelPrefix
	}

	if overlay.Restart.BaseDelay > 0 {
		merged.Restart.BaseDelay = overlay.Restart.BaseDelay
	}
	if overlay.Restart.MaxDelay > 0 {
		merged.Restart.MaxDelay = overlay.Restart.MaxDelay
	}
	if overlay.Restart.MaxRestarts > 0 {
		merged.Restart.MaxRestarts = overlay.Restart.MaxRestarts
	}

	if overlay.Logs.BufferSize > 0 {
		merged.Logs.BufferSize = overlay.Logs.BufferSize
	}
	if overlay.Logs.WriteTimeout > 0 {
		merged.Logs.WriteTimeout = overlay.Logs.WriteTimeout
	}
	if overlay.Logs.Directory != "" {
		merged.Logs.Directory = overlay.Logs.Directory
	}

	return merged
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadStack reads, parses and validates the stack file at path.
func LoadStack(path string) (StackDefinition, error) {
	if path == "" {
		path = DefaultStackFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return StackDefinition{}, &ConfigError{Path: path, Err: err}
	}
	stack, err := ParseStack(data, filepath.Dir(path))
	if err != nil {
		return StackDefinition{}, &ConfigError{Path: path, Err: err}
	}
	stack.Path = path
	if stack.Name == "" {
		stack.Name = stackNameFromPath(path)
	}
	return stack, nil
}

// ParseStack parses a stack document. Relative env_file paths resolve
// against baseDir.
func ParseStack(data []byte, baseDir string) (StackDefinition, error) {
	var doc struct {
		Name     string    `yaml:"name"`
		Services yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return StackDefinition{}, fmt.Errorf("parse stack: %w", err)
	}
	if doc.Services.Kind != yaml.MappingNode {
		return StackDefinition{}, fmt.Errorf("stack must declare a 'services' mapping")
	}

	stack := StackDefinition{Name: doc.Name}
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		keyNode, valueNode := doc.Services.Content[i], doc.Services.Content[i+1]

		var svc ServiceDefinition
		if err := valueNode.Decode(&svc); err != nil {
			return StackDefinition{}, fmt.Errorf("service %q: %w", keyNode.Value, err)
		}
		svc.Name = keyNode.Value
		if svc.Restart == "" {
			svc.Restart = RestartNever
		}

		if len(svc.EnvFiles) > 0 {
			fromFiles, err := loadEnvFiles(baseDir, svc.EnvFiles)
			if err != nil {
				return StackDefinition{}, fmt.Errorf("service %q: %w", svc.Name, err)
			}
			// Inline environment wins over env files.
			svc.Environment = fromFiles.With(svc.Environment)
		}

		stack.Services = append(stack.Services, svc)
	}

	if err := Validate(stack); err != nil {
		return StackDefinition{}, err
	}
	return stack, nil
}

// loadEnvFiles reads .env files in order; later files override earlier keys.
func loadEnvFiles(baseDir string, files []string) (Environment, error) {
	var out Environment
	for _, name := range files {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, name)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
		vars, err := godotenv.Parse(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse env file %q: %w", path, err)
		}
		out = out.With(sortedEnvironment(vars))
	}
	return out, nil
}

func stackNameFromPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "stack"
	}
	dir := filepath.Base(filepath.Dir(abs))
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return "stack"
	}
	return strings.ToLower(dir)
}
