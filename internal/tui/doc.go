// Package tui renders a stack in the terminal.
//
// Two kinds of views live here. The dashboard is a Bubble Tea program
// shown by "stackctl up --tui": a service table that follows lifecycle
// events, a detail pane for the selected service and a combined pane of
// service output and stackctl's own log entries. The static tables
// (plan, status and the run report) are plain text written to any
// io.Writer and are used by the non-interactive commands.
//
// The dashboard never owns the stack. Quitting requests a stop from the
// orchestrator and waits for the teardown; a second quit leaves the
// teardown running in the background.
package tui
