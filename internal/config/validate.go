package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// ConfigError marks a problem with a settings or stack file. It is always
// fatal: nothing is started once one is returned.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate checks every service definition in isolation. All problems are
// reported together.
func Validate(stack StackDefinition) error {
	if len(stack.Services) == 0 {
		return fmt.Errorf("stack declares no services")
	}

	var errs []error
	seen := make(map[string]bool, len(stack.Services))
	for _, svc := range stack.Services {
		if seen[svc.Name] {
			errs = append(errs, fmt.Errorf("service %q declared twice", svc.Name))
			continue
		}
		seen[svc.Name] = true
		if err := validateService(svc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateService(svc ServiceDefinition) error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("service %q: %s", svc.Name, fmt.Sprintf(format, args...))
	}

	if !serviceNamePattern.MatchString(svc.Name) {
		return fail("invalid name")
	}
	if svc.Image == "" && len(svc.Command) == 0 {
		return fail("either image or command is required")
	}
	if svc.MaxRestarts < 0 {
		return fail("max_restarts must be >= 0")
	}
	if svc.StopGracePeriod < 0 {
		return fail("stop_grace_period must be >= 0")
	}
	for _, dep := range svc.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fail("empty dependency name")
		}
	}
	for _, kv := range svc.Environment {
		if kv.Key == "" || strings.ContainsAny(kv.Key, "= ") {
			return fail("invalid environment key %q", kv.Key)
		}
	}
	for _, v := range svc.Volumes {
		if !strings.HasPrefix(v.Target, "/") {
			return fail("volume target %q must be absolute", v.Target)
		}
	}

	switch svc.Logging.Driver {
	case "", LogDriverConsole, LogDriverFile, LogDriverDiscard:
	case LogDriverRedis:
		if svc.Logging.Options["addr"] == "" {
			return fail("logging driver redis needs options.addr")
		}
	default:
		return fail("unknown logging driver %q", svc.Logging.Driver)
	}
	if svc.Logging.BufferSize < 0 {
		return fail("logging buffer_size must be >= 0")
	}

	if hc := svc.HealthCheck; hc != nil && !hc.Disable {
		kinds := 0
		if len(hc.Test) > 0 {
			kinds++
		}
		if hc.HTTP != nil {
			kinds++
			if _, err := url.ParseRequestURI(hc.HTTP.URL); err != nil {
				return fail("healthcheck http url: %v", err)
			}
			if _, _, err := ParseStatusRange(hc.HTTP.ExpectStatus); err != nil {
				return fail("healthcheck: %v", err)
			}
		}
		if hc.TCP != "" {
			kinds++
		}
		if hc.Redis != nil {
			kinds++
			if hc.Redis.Addr == "" {
				return fail("healthcheck redis needs addr")
			}
		}
		if kinds > 1 {
			return fail("healthcheck must declare exactly one of test, http, tcp, redis")
		}
		if hc.Retries < 0 || hc.Interval < 0 || hc.Timeout < 0 || hc.StartPeriod < 0 {
			return fail("healthcheck durations and retries must not be negative")
		}
	}
	return nil
}

// ParseStatusRange parses "200", "200-399" or "" (meaning 200-399).
func ParseStatusRange(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 200, 399, nil
	}
	var low, high int
	if lo, hi, ok := strings.Cut(raw, "-"); ok {
		if _, err := fmt.Sscanf(lo+" "+hi, "%d %d", &low, &high); err != nil {
			return 0, 0, fmt.Errorf("invalid status range %q", raw)
		}
	} else {
		if _, err := fmt.Sscanf(raw, "%d", &low); err != nil {
			return 0, 0, fmt.Errorf("invalid status range %q", raw)
		}
		high = low
	}
	if low < 100 || high > 599 || low > high {
		return 0, 0, fmt.Errorf("invalid status range %q", raw)
	}
	return low, high, nil
}

func sortedEnvironment(vars map[string]string) Environment {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Environment, 0, len(keys))
	for _, k := range keys {
		out = append(out, EnvVar{Key: k, Value: vars[k]})
	}
	return out
}
