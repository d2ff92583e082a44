package orchestrator

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"stackctl/internal/config"
	"stackctl/internal/reporting"
	"stackctl/pkg/logging"
)

// ServiceChange describes how one service differs from the running stack.
type ServiceChange struct {
	Service string `json:"service"`
	Diff    string `json:"diff"`
}

// ReloadReport lists the differences between the stack file on disk and the
// running definition.
type ReloadReport struct {
	Added     []string        `json:"added,omitempty"`
	Removed   []string        `json:"removed,omitempty"`
	Changed   []ServiceChange `json:"changed,omitempty"`
	Unchanged int             `json:"unchanged"`
}

// Empty reports whether the file matches the running stack.
func (r ReloadReport) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Reload re-reads and re-validates the stack file and reports what changed.
// Running services are left untouched; applying the changes needs a restart
// of the stack.
func (o *Orchestrator) Reload() (ReloadReport, error) {
	next, err := o.cfg.Loader()
	if err != nil {
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			err = &ConfigError{Path: o.cfg.Stack.Path, Err: err}
		}
		logging.Error("Orchestrator", err, "Reload rejected")
		o.events.Publish(reporting.NewEvent(reporting.EventTypeConfigReload, "").
			WithRunID(o.runID).
			WithError(err))
		return ReloadReport{}, err
	}
	next = next.Normalized()
	err = config.Validate(next)
	if err == nil {
		_, err = BuildGraph(next)
	}
	if err != nil {
		err = &ConfigError{Path: next.Path, Err: err}
		o.events.Publish(reporting.NewEvent(reporting.EventTypeConfigReload, "").
			WithRunID(o.runID).
			WithError(err))
		return ReloadReport{}, err
	}

	o.mu.RLock()
	current := o.current
	o.mu.RUnlock()

	report := DiffStacks(current, next)
	detail := "no changes"
	if !report.Empty() {
		detail = report.Summary()
	}
	o.events.Publish(reporting.NewEvent(reporting.EventTypeConfigReload, "").
		WithRunID(o.runID).
		WithDetail("%s", detail))
	logging.Info("Orchestrator", "Reload of %s: %s", o.cfg.Stack.Name, detail)
	return report, nil
}

// DiffStacks compares two stack definitions service by service.
func DiffStacks(current, next config.StackDefinition) ReloadReport {
	var report ReloadReport
	old := make(map[string]config.ServiceDefinition, len(current.Services))
	for _, svc := range current.Services {
		old[svc.Name] = svc
	}

	seen := make(map[string]bool, len(next.Services))
	for _, svc := range next.Services {
		seen[svc.Name] = true
		prev, ok := old[svc.Name]
		if !ok {
			report.Added = append(report.Added, svc.Name)
			continue
		}
		if diff := cmp.Diff(prev, svc); diff != "" {
			report.Changed = append(report.Changed, ServiceChange{Service: svc.Name, Diff: diff})
			continue
		}
		report.Unchanged++
	}
	for name := range old {
		if !seen[name] {
			report.Removed = append(report.Removed, name)
		}
	}
	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Slice(report.Changed, func(i, j int) bool { return report.Changed[i].Service < report.Changed[j].Service })
	return report
}

// Summary is a one-line description of the differences.
func (r ReloadReport) Summary() string {
	var parts []string
	if len(r.Added) > 0 {
		parts = append(parts, "added "+strings.Join(r.Added, ", "))
	}
	if len(r.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(r.Removed, ", "))
	}
	if len(r.Changed) > 0 {
		names := make([]string, 0, len(r.Changed))
		for _, c := range r.Changed {
			names = append(names, c.Service)
		}
		parts = append(parts, "changed "+strings.Join(names, ", "))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}
