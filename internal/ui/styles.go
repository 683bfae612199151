// Package ui holds terminal styling shared by the cg commands.
package ui

import (
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorError  = 203 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string {
	return paint(colorAccent, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string {
	return paint(colorMuted, s)
}

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string {
	return paint(colorCmd, s)
}

// RenderError returns s in the error (red) color.
func RenderError(s string) string {
	return paint(colorError, s)
}

// RenderStatus returns the node status colored by lifecycle phase:
// in-flight amber, completed green, failed red, cancelled muted.
func RenderStatus(s model.Status) string {
	switch s {
	case model.StatusPending, model.StatusStreaming:
		return paint(colorWarn, string(s))
	case model.StatusCompleted:
		return paint(colorOK, string(s))
	case model.StatusFailed:
		return paint(colorError, string(s))
	case model.StatusCancelled:
		return paint(colorMuted, string(s))
	default:
		return string(s)
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// SetColor enables or disables color output globally.
func SetColor(on bool) {
	noColor = !on
}
