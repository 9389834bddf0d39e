// Package ui renders CLI output with lipgloss.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/taskify/tasksync/internal/task"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E8B57", Dark: "#50FA7B"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#F1FA8C"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#FF5555"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#808080", Dark: "#6C7086"})
	boldStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// DisableColor turns styling off for the rest of the process.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ColorDisabledByEnv reports whether NO_COLOR or a dumb terminal asks for
// plain output.
func ColorDisabledByEnv() bool {
	return termenv.EnvNoColor() || os.Getenv("TERM") == "dumb"
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderStatus colors a task status by column.
func RenderStatus(s task.Status) string {
	switch s {
	case task.StatusDone:
		return passStyle.Render(string(s))
	case task.StatusInProgress:
		return accentStyle.Render(string(s))
	default:
		return string(s)
	}
}

// RenderPriority colors a priority by urgency.
func RenderPriority(p task.Priority) string {
	switch p {
	case task.PriorityHigh:
		return failStyle.Render(string(p))
	case task.PriorityLow:
		return mutedStyle.Render(string(p))
	default:
		return string(p)
	}
}
