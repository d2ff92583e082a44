package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"stackctl/internal/color"
	"stackctl/internal/orchestrator"
	"stackctl/internal/services"
)

// historyRows is how many transitions the detail pane shows.
const historyRows = 6

func (m *Model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	sections := []string{m.renderHeader(), m.renderServices(), m.renderDetail()}
	if m.showLog {
		m.syncLog()
		sections = append(sections, color.PanelStyle.Width(m.width-2).Render(m.logView.View()))
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader() string {
	stack := m.ctl.Stack()
	phase := color.StateStyle(string(m.phase)).Render(string(m.phase))
	busy := ""
	if m.phase == orchestrator.PhaseStarting || m.phase == orchestrator.PhaseStopping {
		busy = m.spinner.View() + " "
	}
	up := 0
	for _, s := range m.services {
		if s.State == services.StateRunning {
			up++
		}
	}
	return fmt.Sprintf("%s%s  %s  %d/%d running  %s",
		busy,
		color.HeaderStyle.Render("stackctl · "+stack.Name),
		phase,
		up, len(m.services),
		color.MutedStyle.Render("run "+m.ctl.RunID()))
}

func (m *Model) renderServices() string {
	lines := statusTable(m.services, m.now, m.selected).lines()
	if len(lines) > 0 {
		lines[0] = " " + lines[0]
	}
	return color.PanelStyle.Width(m.width - 2).Render(strings.Join(lines, "\n"))
}

func (m *Model) renderDetail() string {
	if len(m.services) == 0 {
		return ""
	}
	s := m.services[m.selected]
	def, _ := m.ctl.Stack().Service(s.Name)

	var b strings.Builder
	b.WriteString(color.ServiceStyle(s.Name).Render(s.Name))
	b.WriteString(color.MutedStyle.Render("  " + runsLabel(def)))
	if len(def.DependsOn) > 0 {
		b.WriteString(color.MutedStyle.Render("  depends on " + strings.Join(def.DependsOn, ", ")))
	}
	if s.Permanent {
		b.WriteString("  " + color.ErrorStyle.Render("gave up"))
	}

	history := s.History
	if len(history) > historyRows {
		history = history[len(history)-historyRows:]
	}
	for _, h := range history {
		line := fmt.Sprintf("%s  %s -> %s", h.At.Format("15:04:05"), h.From, color.StateStyle(string(h.To)).Render(string(h.To)))
		if h.Attempt > 0 {
			line += fmt.Sprintf("  attempt %d", h.Attempt)
		}
		if h.Detail != "" {
			line += color.MutedStyle.Render("  " + h.Detail)
		}
		b.WriteString("\n" + line)
	}
	return color.PanelStyle.Width(m.width - 2).Render(b.String())
}

func (m *Model) renderFooter() string {
	parts := make([]string, 0, len(m.keys.ShortHelp()))
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	footer := strings.Join(parts, " · ")
	if m.stopping {
		footer = color.WarningStyle.Render("stopping…") + "  " + footer
	}
	return color.MutedStyle.Render(footer)
}

// resizeLog gives the log pane whatever height the fixed panes leave.
func (m *Model) resizeLog() {
	fixed := len(m.services) + 3 + historyRows + 3 + 2 + 1
	h := m.height - fixed
	if h < 3 {
		h = 3
	}
	m.logView.Width = m.width - 4
	m.logView.Height = h
	m.logDirty = true
}

func (m *Model) syncLog() {
	if !m.logDirty {
		return
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(strings.Join(m.lines, "\n"))
	if atBottom || m.logView.YOffset == 0 {
		m.logView.GotoBottom()
	}
	m.logDirty = false
}
