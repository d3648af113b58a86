package tui

import "github.com/charmbracelet/lipgloss"

var (
	primary    = lipgloss.Color("#7C3AED")
	okColor    = lipgloss.Color("#10B981")
	warnColor  = lipgloss.Color("#F59E0B")
	errColor   = lipgloss.Color("#EF4444")
	mutedColor = lipgloss.Color("#6B7280")
	white      = lipgloss.Color("#FFFFFF")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(white).
			Background(primary).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary)

	rowStyle = lipgloss.NewStyle().
			Foreground(white)

	selectedStyle = lipgloss.NewStyle().
			Foreground(white).
			Background(primary)

	statusStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	severityHigh = lipgloss.NewStyle().
			Foreground(errColor).
			Bold(true)

	severityMedium = lipgloss.NewStyle().
			Foreground(warnColor)

	severityLow = lipgloss.NewStyle().
			Foreground(okColor)
)

func severityStyle(severity string) lipgloss.Style {
	switch severity {
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	default:
		return severityLow
	}
}
