// ABOUTME: Bubbletea model for the service browser TUI
// ABOUTME: Defines application state and update logic
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	tea "github.com/charmbracelet/bubbletea"
)

const innerWidth = 54

// Model represents the TUI state
type Model struct {
	// Source
	connected   bool
	source      string
	serviceType string
	lastError   string

	// Services
	services map[dnssd.ServiceKey]dnssd.ServiceRecord
	selected int

	// Stats
	found int
	lost  int

	showDetail bool
	control    *Control

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case RecordMsg:
		m.applyRecord(msg.Record)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderServices()
	if m.showDetail {
		s += m.renderDetail()
	}
	s += m.renderStats()
	s += m.renderHelp()

	return s
}

func line(text string) string {
	return fmt.Sprintf("│ %-*s │\n", innerWidth-2, truncate(text, innerWidth-2))
}

// renderHeader renders source and browse status
func (m Model) renderHeader() string {
	status := "Stopped"
	if m.connected {
		status = fmt.Sprintf("Browsing %s", m.serviceType)
	}

	s := "┌─ DNS-SD Browser ─────────────────────────────────────┐\n"
	s += line("Source: " + m.source)
	s += line("Status: " + status)
	if m.lastError != "" {
		s += line("Error:  " + m.lastError)
	}
	s += "├──────────────────────────────────────────────────────┤\n"
	return s
}

// renderServices renders one line per live service
func (m Model) renderServices() string {
	records := m.sorted()
	if len(records) == 0 {
		return line("No services yet")
	}

	s := ""
	for i, rec := range records {
		cursor := " "
		if i == m.selected {
			cursor = ">"
		}

		where := "resolving..."
		if rec.Resolved() {
			where = fmt.Sprintf("%s:%d", rec.Hostname, rec.Port)
		}
		s += line(fmt.Sprintf("%s %-24s %s", cursor, truncate(rec.Name, 24), where))
	}
	return s
}

// renderDetail renders the selected service in full
func (m Model) renderDetail() string {
	records := m.sorted()
	if m.selected >= len(records) {
		return ""
	}
	rec := records[m.selected]

	s := "├──────────────────────────────────────────────────────┤\n"
	s += line("Name:   " + rec.Name)
	s += line("Type:   " + rec.RegType + " in " + rec.Domain)
	s += line(fmt.Sprintf("Iface:  %d  State: %s", rec.IfIndex, rec.Flags))

	if rec.Resolved() {
		s += line(fmt.Sprintf("Target: %s:%d", rec.Hostname, rec.Port))
		for _, kv := range rec.TXT.Strings() {
			s += line("  TXT " + kv)
		}
	}
	if rec.AddressResolved() {
		addrs := make([]string, 0, len(rec.Addresses))
		for _, ip := range rec.Addresses {
			addrs = append(addrs, ip.String())
		}
		s += line("Addrs:  " + strings.Join(addrs, " "))
	}
	return s
}

// renderStats renders browse statistics
func (m Model) renderStats() string {
	return "├──────────────────────────────────────────────────────┤\n" +
		line(fmt.Sprintf("Live: %d  Found: %d  Lost: %d", len(m.services), m.found, m.lost))
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ ↑/↓:Select  enter:Details  r:Rescan  q:Quit          │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.control != nil {
			select {
			case m.control.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.services)-1 {
			m.selected++
		}
	case "enter", "d":
		m.showDetail = !m.showDetail
	case "r":
		m.services = make(map[dnssd.ServiceKey]dnssd.ServiceRecord)
		m.selected = 0
		if m.control != nil {
			select {
			case m.control.Rescan <- RescanMsg{}:
			default:
			}
		}
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Source != "" {
		m.source = msg.Source
	}
	if msg.ServiceType != "" {
		m.serviceType = msg.ServiceType
	}
	if msg.Err != nil {
		m.lastError = msg.Err.Error()
	} else if msg.Connected != nil && *msg.Connected {
		m.lastError = ""
	}
}

// applyRecord merges one browse result
func (m *Model) applyRecord(rec dnssd.ServiceRecord) {
	key := rec.Key()
	if rec.Lost() {
		if _, ok := m.services[key]; ok {
			delete(m.services, key)
			m.lost++
		}
	} else {
		if _, ok := m.services[key]; !ok {
			m.found++
		}
		m.services[key] = rec
	}

	if m.selected >= len(m.services) && m.selected > 0 {
		m.selected = len(m.services) - 1
	}
}

func (m Model) sorted() []dnssd.ServiceRecord {
	records := make([]dnssd.ServiceRecord, 0, len(m.services))
	for _, rec := range m.services {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].Key().String() < records[j].Key().String()
	})
	return records
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected   *bool
	Source      string
	ServiceType string
	Err         error
}

// RecordMsg carries one browse result
type RecordMsg struct {
	Record dnssd.ServiceRecord
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
