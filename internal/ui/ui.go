// Package ui provides the terminal styling helpers for the lk CLI.
//
// Styling degrades to plain text when the terminal does not support
// color, NO_COLOR is set, or output is machine-directed (--json, pipes).
package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var (
	detectOnce sync.Once
	colorOn    bool
	forcedOff  bool
)

func enabled() bool {
	if forcedOff {
		return false
	}
	detectOnce.Do(func() {
		colorOn = !termenv.EnvNoColor() && termenv.ColorProfile() != termenv.Ascii
	})
	return colorOn
}

// Disable turns all styling off for the rest of the process, for --json
// and piped output.
func Disable() {
	forcedOff = true
}

// RenderAccent styles s as a highlight (headers, progress markers).
func RenderAccent(s string) string {
	if !enabled() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderPass styles s as a success marker.
func RenderPass(s string) string {
	if !enabled() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles s as a warning marker.
func RenderWarn(s string) string {
	if !enabled() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderError styles s as an error marker.
func RenderError(s string) string {
	if !enabled() {
		return s
	}
	return errorStyle.Render(s)
}

// RenderMuted styles s as secondary detail.
func RenderMuted(s string) string {
	if !enabled() {
		return s
	}
	return mutedStyle.Render(s)
}
