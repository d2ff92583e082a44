package tui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"stackctl/internal/color"
	"stackctl/internal/config"
	"stackctl/internal/dependency"
	"stackctl/internal/orchestrator"
	"stackctl/internal/services"
)

// table lays out plain-text cells in aligned columns. Styling is applied
// after padding so escape codes never skew the widths.
type table struct {
	headers []string
	rows    [][]string
	// style may decorate a padded cell.
	style func(row, col int, padded string) string
}

func (t table) widths() []int {
	w := make([]int, len(t.headers))
	for i, h := range t.headers {
		w[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(w) {
				if cw := runewidth.StringWidth(cell); cw > w[i] {
					w[i] = cw
				}
			}
		}
	}
	return w
}

func (t table) lines() []string {
	widths := t.widths()
	out := make([]string, 0, len(t.rows)+1)

	var b strings.Builder
	for i, h := range t.headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(color.HeaderStyle.Render(pad(h, widths[i], i == len(t.headers)-1)))
	}
	out = append(out, b.String())

	for r, row := range t.rows {
		b.Reset()
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if i > 0 {
				b.WriteString("  ")
			}
			padded := pad(cell, widths[i], i == len(t.headers)-1)
			if t.style != nil {
				padded = t.style(r, i, padded)
			}
			b.WriteString(padded)
		}
		out = append(out, b.String())
	}
	return out
}

func (t table) render(w io.Writer) error {
	for _, line := range t.lines() {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// pad fills s to width; the last column is left ragged.
func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return runewidth.FillRight(s, width)
}

// RenderPlan prints the levels and orders of a stack without starting it.
func RenderPlan(w io.Writer, stack config.StackDefinition, g *dependency.Graph) error {
	t := table{headers: []string{"LEVEL", "SERVICE", "RUNS", "DEPENDS ON", "HEALTH", "RESTART"}}
	for i, level := range g.Levels() {
		for _, id := range level {
			def, _ := stack.Service(string(id))
			t.rows = append(t.rows, []string{
				strconv.Itoa(i),
				string(id),
				runsLabel(def),
				joinIDs(g.Dependencies(id)),
				healthLabel(def.HealthCheck),
				restartLabel(def),
			})
		}
	}
	t.style = func(_, col int, padded string) string {
		if col == 1 {
			return color.ServiceStyle(strings.TrimSpace(padded)).Render(padded)
		}
		return padded
	}

	if _, err := fmt.Fprintf(w, "%s  %d services in %d levels\n\n",
		color.HeaderStyle.Render("Stack "+stack.Name), g.Len(), len(g.Levels())); err != nil {
		return err
	}
	if err := t.render(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nstartup:  %s\nshutdown: %s\n",
		joinIDs(g.StartupOrder()), joinIDs(g.ShutdownOrder()))
	return err
}

// RenderStatus prints one row per service.
func RenderStatus(w io.Writer, stack, runID string, phase orchestrator.Phase, snaps []services.Snapshot, now time.Time) error {
	if _, err := fmt.Fprintf(w, "%s  %s  %s\n\n",
		color.HeaderStyle.Render("Stack "+stack),
		color.StateStyle(string(phase)).Render(string(phase)),
		color.MutedStyle.Render("run "+runID)); err != nil {
		return err
	}
	return statusTable(snaps, now, -1).render(w)
}

// RenderReport prints the outcome of a finished run.
func RenderReport(w io.Writer, report orchestrator.RunReport) error {
	if _, err := fmt.Fprintf(w, "\n%s %s after %s  %s\n\n",
		color.HeaderStyle.Render("Stack "+report.Stack),
		color.StateStyle(string(report.Outcome)).Render(string(report.Outcome)),
		report.Duration().Round(time.Millisecond),
		color.MutedStyle.Render("run "+report.RunID)); err != nil {
		return err
	}
	if err := statusTable(report.Services, report.FinishedAt, -1).render(w); err != nil {
		return err
	}
	if len(report.Failures) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	for _, f := range report.Failures {
		line := fmt.Sprintf("✗ %s: %s (restarts: %d)", f.Service, f.Error, f.Restarts)
		if _, err := fmt.Fprintln(w, color.ErrorStyle.Render(line)); err != nil {
			return err
		}
	}
	return nil
}

func statusTable(snaps []services.Snapshot, now time.Time, selected int) table {
	t := table{headers: []string{"SERVICE", "STATE", "RESTARTS", "UPTIME", "INSTANCE", "EXIT", "DETAIL"}}
	for _, s := range snaps {
		exit := "-"
		if s.LastExitCode != nil {
			exit = strconv.Itoa(*s.LastExitCode)
		}
		uptime := "-"
		if d := s.Uptime(now); d > 0 {
			uptime = d.Round(time.Second).String()
		}
		instance := s.InstanceID
		if len(instance) > 12 {
			instance = instance[:12]
		}
		if instance == "" {
			instance = "-"
		}
		detail := s.LastHealth
		if s.LastError != "" {
			detail = s.LastError
		}
		t.rows = append(t.rows, []string{s.Name, string(s.State), strconv.Itoa(s.Restarts), uptime, instance, exit, detail})
	}
	t.style = func(row, col int, padded string) string {
		s := snaps[row]
		switch col {
		case 0:
			cell := color.ServiceStyle(s.Name).Render(padded)
			switch {
			case selected < 0:
				return cell
			case row == selected:
				return color.HeaderStyle.Render("›") + cell
			default:
				return " " + cell
			}
		case 1:
			return color.StateStyle(string(s.State)).Render(padded)
		case 6:
			if s.LastError != "" {
				return color.ErrorStyle.Render(padded)
			}
			return color.MutedStyle.Render(padded)
		}
		return padded
	}
	return t
}

func runsLabel(def config.ServiceDefinition) string {
	if def.IsContainer() {
		return def.Image
	}
	return strings.Join(def.Command, " ")
}

func healthLabel(hc *config.HealthCheckDefinition) string {
	if !hc.Probed() {
		return "-"
	}
	switch {
	case len(hc.Test) > 0:
		return "cmd"
	case hc.HTTP != nil:
		return "http " + hc.HTTP.URL
	case hc.TCP != "":
		return "tcp " + hc.TCP
	case hc.Redis != nil:
		return "redis " + hc.Redis.Addr
	}
	return "-"
}

func restartLabel(def config.ServiceDefinition) string {
	policy := def.Restart
	if policy == "" {
		policy = config.RestartNever
	}
	if policy == config.RestartNever || def.MaxRestarts == 0 {
		return string(policy)
	}
	return fmt.Sprintf("%s (max %d)", policy, def.MaxRestarts)
}

func joinIDs(ids []dependency.NodeID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
