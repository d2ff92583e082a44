package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"stackctl/internal/color"
	"stackctl/internal/config"
	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
	"stackctl/pkg/logging"
)

// maxLogLines bounds the combined log pane.
const maxLogLines = 1000

// Controller is what the dashboard needs from a running stack.
type Controller interface {
	RunID() string
	Stack() config.StackDefinition
	Phase() orchestrator.Phase
	Services() []services.Snapshot
	Events() reporting.EventBus
	Stop()
	Reload() (orchestrator.ReloadReport, error)
	Done() <-chan struct{}
}

// Options feed the dashboard.
type Options struct {
	// Logs carries stackctl's own log entries (logging.InitForTUI).
	Logs <-chan logging.LogEntry
	// Output carries rendered service output lines.
	Output <-chan string
	// Dark selects the initial color scheme.
	Dark bool
}

// Model is the dashboard state.
type Model struct {
	ctl     Controller
	keys    KeyMap
	spinner spinner.Model
	logView viewport.Model

	events <-chan reporting.Event
	sub    *reporting.EventSubscription
	logs   <-chan logging.LogEntry
	output <-chan string

	services []services.Snapshot
	phase    orchestrator.Phase
	selected int
	lines    []string
	logDirty bool

	width, height int
	showLog       bool
	dark          bool
	stopping      bool
	now           time.Time
}

// NewModel subscribes to ctl's events. Call Close once the program ends.
func NewModel(ctl Controller, opts Options) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = color.InfoStyle

	sub := ctl.Events().SubscribeChannel(nil, 256)
	return &Model{
		ctl:      ctl,
		keys:     DefaultKeyMap(),
		spinner:  s,
		logView:  viewport.New(0, 0),
		events:   sub.C(),
		sub:      sub,
		logs:     opts.Logs,
		output:   opts.Output,
		services: ctl.Services(),
		phase:    ctl.Phase(),
		showLog:  true,
		dark:     opts.Dark,
		now:      time.Now(),
	}
}

// Close drops the event subscription.
func (m *Model) Close() {
	m.ctl.Events().Unsubscribe(m.sub)
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForEvent(m.events),
		waitForLogEntry(m.logs),
		waitForOutput(m.output),
		waitForDone(m.ctl.Done()),
		refreshTick(),
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resizeLog()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		e := reporting.Event(msg)
		m.appendLine(formatEvent(e))
		m.refresh()
		return m, waitForEvent(m.events)

	case logEntryMsg:
		m.appendLine(formatLogEntry(logging.LogEntry(msg)))
		return m, waitForLogEntry(m.logs)

	case outputMsg:
		m.appendLine(string(msg))
		return m, waitForOutput(m.output)

	case reloadMsg:
		if msg.err != nil {
			m.appendLine(color.ErrorStyle.Render("reload rejected: " + msg.err.Error()))
		} else {
			m.appendLine(color.InfoStyle.Render("reload: " + msg.report.Summary()))
		}
		return m, nil

	case refreshMsg:
		m.now = time.Time(msg)
		m.refresh()
		return m, refreshTick()

	case runDoneMsg:
		m.refresh()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.stopping {
			// Second request: leave the teardown running and exit the view.
			return m, tea.Quit
		}
		m.stopping = true
		m.appendLine(color.WarningStyle.Render("stopping stack, press again to detach"))
		m.ctl.Stop()
		return m, nil
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.services)-1 {
			m.selected++
		}
	case key.Matches(msg, m.keys.Reload):
		return m, reloadCmd(m.ctl)
	case key.Matches(msg, m.keys.ToggleLog):
		m.showLog = !m.showLog
		m.resizeLog()
	case key.Matches(msg, m.keys.ToggleDark):
		m.dark = !m.dark
		color.Initialize(m.dark)
	default:
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) refresh() {
	m.services = m.ctl.Services()
	m.phase = m.ctl.Phase()
	if m.selected >= len(m.services) {
		m.selected = len(m.services) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.logDirty = true
}

func formatEvent(e reporting.Event) string {
	ts := color.MutedStyle.Render(e.Timestamp.Format("15:04:05"))
	line := fmt.Sprintf("%s » %s", ts, e.String())
	switch e.Severity {
	case reporting.SeverityError:
		return color.ErrorStyle.Render(line)
	case reporting.SeverityWarn:
		return color.WarningStyle.Render(line)
	}
	return line
}

func formatLogEntry(entry logging.LogEntry) string {
	line := fmt.Sprintf("%s [%s] %s: %s", entry.Timestamp.Format("15:04:05"), entry.Level, entry.Subsystem, entry.Message)
	if entry.Err != nil {
		line += ": " + entry.Err.Error()
	}
	switch entry.Level {
	case logging.LevelError:
		return color.ErrorStyle.Render(line)
	case logging.LevelWarn:
		return color.WarningStyle.Render(line)
	case logging.LevelDebug:
		return color.MutedStyle.Render(line)
	}
	return line
}
