package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/pkg/logging"
)

type eventMsg reporting.Event

type logEntryMsg logging.LogEntry

type outputMsg string

type reloadMsg struct {
	report orchestrator.ReloadReport
	err    error
}

type runDoneMsg struct{}

type refreshMsg time.Time

const refreshInterval = 500 * time.Millisecond

func waitForEvent(ch <-chan reporting.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func waitForLogEntry(ch <-chan logging.LogEntry) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		entry, ok := <-ch
		if !ok {
			return nil
		}
		return logEntryMsg(entry)
	}
}

func waitForOutput(ch <-chan string) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return nil
		}
		return outputMsg(line)
	}
}

func waitForDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return runDoneMsg{}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func reloadCmd(ctl Controller) tea.Cmd {
	return func() tea.Msg {
		report, err := ctl.Reload()
		return reloadMsg{report: report, err: err}
	}
}
