package display

import "github.com/charmbracelet/lipgloss"

var (
	// Role label colors
	userColor      = lipgloss.AdaptiveColor{Light: "#1A5276", Dark: "#89B4FA"}
	assistantColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	toolColor      = lipgloss.AdaptiveColor{Light: "#DF8E1D", Dark: "#F9E2AF"}
	systemColor    = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	errorColor     = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	mutedColor     = lipgloss.AdaptiveColor{Light: "#AAAAAA", Dark: "#696969"}

	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(userColor)
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(assistantColor)
	toolLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(toolColor)
	systemLabelStyle    = lipgloss.NewStyle().Bold(true).Foreground(systemColor)
	errorStyle          = lipgloss.NewStyle().Foreground(errorColor)
	reasoningStyle      = lipgloss.NewStyle().Faint(true).Foreground(systemColor)
	statusBarStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(assistantColor)
)

// labelStyle picks the style for a role label.
func labelStyle(role string) lipgloss.Style {
	switch role {
	case "user":
		return userLabelStyle
	case "assistant":
		return assistantLabelStyle
	case "tool":
		return toolLabelStyle
	default:
		return systemLabelStyle
	}
}
