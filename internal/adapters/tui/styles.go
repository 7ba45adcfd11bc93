package tui

import "github.com/charmbracelet/lipgloss"

// Midnight palette
var (
	accentColor = lipgloss.Color("#4F46E5") // Indigo
	okColor     = lipgloss.Color("#22C55E") // Green
	alertColor  = lipgloss.Color("#F59E0B") // Amber
	dimColor    = lipgloss.Color("#64748B") // Slate
	textColor   = lipgloss.Color("#E2E8F0")
	senderColor = lipgloss.Color("#38BDF8") // Sky
)

var (
	// Header
	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textColor).
			Background(accentColor).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(dimColor).
				Padding(0, 2)

	tabBarStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(dimColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(okColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(alertColor).Bold(true)

	// Stats tab
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimColor).
			Padding(1, 2)

	metricLabelStyle = lipgloss.NewStyle().Foreground(dimColor)
	metricValueStyle = lipgloss.NewStyle().Foreground(okColor).Bold(true)

	// Chat transcript
	userMessageStyle = lipgloss.NewStyle().Foreground(senderColor)

	botMessageStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Background(accentColor).
			Padding(0, 1)

	reactionStyle = lipgloss.NewStyle().Foreground(alertColor)
)

// renderRuntimeState shows whether the console is attached to a runtime.
func renderRuntimeState(attached bool) string {
	if attached {
		return onlineStyle.Render("● runtime")
	}
	return offlineStyle.Render("● detached")
}
