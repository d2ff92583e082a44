// Package color holds the terminal palette shared by the dashboard, the
// plan/status tables and the console log sink.
//
// Styles are package-level lipgloss styles built by Initialize. Call
// Initialize once at startup with the detected background so adaptive
// colors resolve consistently:
//
//	color.Initialize(lipgloss.HasDarkBackground())
//	fmt.Println(color.StateStyle("running").Render("running"))
//
// Each service gets a stable prefix color derived from its name, so the
// interleaved console output of a stack stays readable.
package color
