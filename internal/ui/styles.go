package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorOK     = 114 // green
	colorWarn   = 215 // orange
	colorMuted  = 245 // medium gray
)

var noColor bool

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderState colors a lifecycle state: open/pending states in blue,
// settled/fired states in green, expired/canceled states in orange.
func RenderState(state string) string {
	switch state {
	case "open", "pending", "held":
		return render(colorAccent, state)
	case "released", "returned", "fired":
		return render(colorOK, state)
	case "expired", "canceled", "firing":
		return render(colorWarn, state)
	default:
		return state
	}
}
