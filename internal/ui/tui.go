// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program for the service browser
package ui

import (
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	tea "github.com/charmbracelet/bubbletea"
)

// RescanMsg asks the browser to start over
type RescanMsg struct{}

// QuitMsg reports that the user quit the TUI
type QuitMsg struct{}

// Control holds channels the TUI uses to talk back to main
type Control struct {
	Rescan chan RescanMsg
	Quit   chan QuitMsg
}

// NewControl creates a new control handler
func NewControl() *Control {
	return &Control{
		Rescan: make(chan RescanMsg, 1),
		Quit:   make(chan QuitMsg, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(ctrl *Control) Model {
	return Model{
		source:   "local",
		services: make(map[dnssd.ServiceKey]dnssd.ServiceRecord),
		control:  ctrl,
	}
}

// Run creates the TUI program; the caller starts it
func Run(ctrl *Control) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
	return p, nil
}
