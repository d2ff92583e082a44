package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the dashboard until the stack has been torn down or the user
// detaches. It does not wait for the orchestrator.
func Run(ctl Controller, opts Options) error {
	m := NewModel(ctl, opts)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
