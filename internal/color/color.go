package color

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

var (
	HeaderStyle  lipgloss.Style
	MutedStyle   lipgloss.Style
	ErrorStyle   lipgloss.Style
	WarningStyle lipgloss.Style
	SuccessStyle lipgloss.Style
	InfoStyle    lipgloss.Style
	PanelStyle   lipgloss.Style

	servicePalette []lipgloss.Style
)

var prefixColors = []lipgloss.AdaptiveColor{
	{Light: "#005F87", Dark: "#5FD7FF"},
	{Light: "#5F8700", Dark: "#AFFF5F"},
	{Light: "#AF5F00", Dark: "#FFAF5F"},
	{Light: "#870087", Dark: "#FF87FF"},
	{Light: "#008787", Dark: "#5FFFD7"},
	{Light: "#875F00", Dark: "#FFD75F"},
	{Light: "#5F5FAF", Dark: "#AFAFFF"},
	{Light: "#AF0000", Dark: "#FF8787"},
}

func init() {
	Initialize(true)
}

// Initialize rebuilds every style for the given background.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)

	HeaderStyle = lipgloss.NewStyle().Bold(true).
		Foreground(lipgloss.AdaptiveColor{Light: "#1F1F1F", Dark: "#EEEEEE"})
	MutedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#808080", Dark: "#6C6C6C"})
	ErrorStyle = lipgloss.NewStyle().Bold(true).
		Foreground(lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F5F"})
	WarningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD700"})
	SuccessStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FFF87"})
	InfoStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#87AFFF"})
	PanelStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.AdaptiveColor{Light: "#BCBCBC", Dark: "#444444"}).
		Padding(0, 1)

	servicePalette = servicePalette[:0]
	for _, c := range prefixColors {
		servicePalette = append(servicePalette, lipgloss.NewStyle().Bold(true).Foreground(c))
	}
}

// ServiceStyle returns the prefix style of a service. The same name always
// maps to the same color.
func ServiceStyle(name string) lipgloss.Style {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return servicePalette[h.Sum32()%uint32(len(servicePalette))]
}

// StateStyle maps a service state name to its display style.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "running", "healthy", "stopped", "succeeded":
		return SuccessStyle
	case "starting", "awaiting_health", "stopping", "pending", "restarting", "interrupted":
		return WarningStyle
	case "failed", "unhealthy", "timed_out", "aborted":
		return ErrorStyle
	default:
		return MutedStyle
	}
}
