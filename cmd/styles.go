package cmd

import (
	"specbot/provider"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.Color("#00D787")
	colorError   = lipgloss.Color("#FF5F87")
	colorWarning = lipgloss.Color("#FFAF00")
	colorInfo    = lipgloss.Color("#5FAFFF")
	colorMuted   = lipgloss.Color("#888888")
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleTitle   = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleBox     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(colorInfo).Padding(0, 1)
)

func statusStyle(s provider.Status) lipgloss.Style {
	switch s {
	case provider.StatusAvailable:
		return styleSuccess
	case provider.StatusRateLimited:
		return styleWarning
	case provider.StatusDisabled:
		return styleMuted
	default:
		return styleError
	}
}

// verdict renders a pass/fail marker.
func verdict(ok bool) string {
	if ok {
		return styleSuccess.Render("PASS")
	}
	return styleError.Render("FAIL")
}
