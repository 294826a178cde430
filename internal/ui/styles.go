// Package ui renders styled terminal output for the docsync CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0369a1", Dark: "#7dd3fc"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	LabelStyle  = lipgloss.NewStyle().Foreground(ColorMuted).Width(14)
)

// RenderPass renders s in the success color.
func RenderPass(s string) string { return PassStyle.Render(s) }

// RenderWarn renders s in the warning color.
func RenderWarn(s string) string { return WarnStyle.Render(s) }

// RenderFail renders s in the error color.
func RenderFail(s string) string { return FailStyle.Render(s) }

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderMuted renders s dimmed.
func RenderMuted(s string) string { return MutedStyle.Render(s) }

// RenderStatus colors a replication status name.
func RenderStatus(status string) string {
	switch status {
	case "idle", "stopped":
		return PassStyle.Render(status)
	case "active":
		return AccentStyle.Render(status)
	case "offline":
		return WarnStyle.Render(status)
	default:
		return MutedStyle.Render(status)
	}
}

// RenderProgress renders "completed/total" with a short bar.
func RenderProgress(completed, total int64) string {
	const width = 20
	filled := width
	if total > 0 {
		filled = int(completed * width / total)
	}
	if filled > width {
		filled = width
	}
	bar := PassStyle.Render(strings.Repeat("█", filled)) + MutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d/%d", bar, completed, total)
}

// Field is one label/value row of a key-value block.
type Field struct {
	Label string
	Value string
}

// RenderFields renders a titled block of aligned label/value rows.
func RenderFields(title string, fields []Field) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(title))
	b.WriteString("\n")
	for _, f := range fields {
		b.WriteString("  ")
		b.WriteString(LabelStyle.Render(f.Label))
		b.WriteString(f.Value)
		b.WriteString("\n")
	}
	return b.String()
}
