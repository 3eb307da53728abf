// Package panel is the user-facing control surface: it shows whether tab
// audio is being captured and toggles capture through the control API.
package panel

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tabrelay/agent/internal/messaging"
)

// Button classes select the button color.
const (
	ClassStart = "start"
	ClassStop  = "stop"
)

// Status lines.
const (
	StatusReady      = "Ready"
	StatusRecording  = "Recording..."
	StatusSaved      = "Recording saved!"
	StatusProcessing = "Processing..."
	StatusLoadFailed = "Error getting status"
)

// View is everything the panel displays.
type View struct {
	Button   string
	Class    string
	Status   string
	Disabled bool
}

// Initial is the panel before the first status reply.
func Initial() View {
	return View{Button: "Start Capture", Class: ClassStart}
}

func (v View) withCapturing(capturing bool) View {
	if capturing {
		v.Button, v.Class = "Stop Capture", ClassStop
	} else {
		v.Button, v.Class = "Start Capture", ClassStart
	}
	return v
}

// Loaded applies the reply to the initial status request.
func (v View) Loaded(reply messaging.Reply, err error) View {
	if err != nil {
		v.Status = StatusLoadFailed
		return v
	}
	v = v.withCapturing(reply.Capturing)
	if reply.Capturing {
		v.Status = StatusRecording
	} else {
		v.Status = StatusReady
	}
	return v
}

// Pending is shown while a toggle request is outstanding.
func (v View) Pending() View {
	v.Status = StatusProcessing
	v.Disabled = true
	return v
}

// Toggled applies a toggle reply. Errors leave the button as it was.
func (v View) Toggled(reply messaging.Reply, err error) View {
	v.Disabled = false
	switch {
	case err != nil:
		v.Status = "Error: " + err.Error()
	case reply.Error != "":
		v.Status = "Error: " + reply.Error
	case reply.Capturing:
		v = v.withCapturing(true)
		v.Status = StatusRecording
	default:
		v = v.withCapturing(false)
		v.Status = StatusSaved
	}
	return v
}

var (
	green   = lipgloss.Color("#a6e3a1")
	red     = lipgloss.Color("#f38ba8")
	base    = lipgloss.Color("#1e1e2e")
	surface = lipgloss.Color("#45475a")
	subtext = lipgloss.Color("#a6adc8")

	frameStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(surface).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().Bold(true)

	buttonStyle = lipgloss.NewStyle().
			Foreground(base).
			Bold(true).
			Padding(0, 2)

	statusStyle = lipgloss.NewStyle().Foreground(subtext)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
)

// Render draws the view for a terminal.
func Render(v View) string {
	btn := buttonStyle
	switch {
	case v.Disabled:
		btn = btn.Background(surface).Foreground(subtext)
	case v.Class == ClassStop:
		btn = btn.Background(red)
	default:
		btn = btn.Background(green)
	}

	status := statusStyle
	if strings.HasPrefix(v.Status, "Error") {
		status = errorStyle
	}

	return frameStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Tab Audio Capture"),
		"",
		btn.Render(v.Button),
		"",
		status.Render(v.Status),
	))
}
