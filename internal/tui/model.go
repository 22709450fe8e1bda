// Package tui implements the Bubble Tea peripheral browser.
package tui

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/blemanager/internal/ble"
	"github.com/chaz8081/blemanager/internal/connection"
	"github.com/chaz8081/blemanager/internal/peripheral"
	"github.com/chaz8081/blemanager/internal/scan"
)

// Service is the set of actions the browser drives.
type Service interface {
	Snapshot() []peripheral.Record
	ScanState() scan.State
	RequestScan(ctx context.Context) (bool, error)
	ToggleConnection(ctx context.Context, id string) (connection.Action, error)
	RefreshConnectedPeripherals(ctx context.Context) (int, error)
}

// Source is a Service that also pushes change notifications.
type Source interface {
	Service
	OnChange(fn func()) (unsubscribe func())
	OnCharacteristicValue(fn func(ble.CharacteristicValue)) (unsubscribe func())
	OnError(fn func(error)) (unsubscribe func())
}

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	connStyle     = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errStyle      = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(colorMuted)
)

// Model is the browser state.
type Model struct {
	svc       Service
	records   []peripheral.Record
	scan      scan.State
	cursor    int
	status    string
	statusErr bool
	width     int
	spinner   spinner.Model
	help      help.Model
}

// New creates a model over svc.
func New(svc Service) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorSuccess)
	return Model{svc: svc, spinner: s, help: help.New()}
}

// Init loads the initial list.
func (m Model) Init() tea.Cmd {
	return reloadCmd
}

// Update handles keys and notifications.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case spinner.TickMsg:
		if m.scan != scan.Scanning {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ChangedMsg:
		cmd := m.reload()
		return m, cmd

	case ValueMsg:
		v := msg.Value
		m.setStatus(fmt.Sprintf("%s %s = %s", v.PeripheralID, v.Characteristic, hex.EncodeToString(v.Value)), nil)

	case ErrorMsg:
		m.setStatus("", msg.Err)

	case actionResultMsg:
		m.setStatus(msg.text, msg.err)
		cmd := m.reload()
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.records)-1 {
			m.cursor++
		}
	case key.Matches(msg, keys.Scan):
		return m, scanCmd(m.svc)
	case key.Matches(msg, keys.Refresh):
		return m, refreshCmd(m.svc)
	case key.Matches(msg, keys.Toggle):
		if len(m.records) == 0 {
			return m, nil
		}
		return m, toggleCmd(m.svc, m.records[m.cursor].ID)
	}
	return m, nil
}

// Selected returns the ID under the cursor, or "" when the list is empty.
func (m Model) Selected() string {
	if len(m.records) == 0 {
		return ""
	}
	return m.records[m.cursor].ID
}

// reload refreshes from the service and starts the spinner when a scan
// has just begun.
func (m *Model) reload() tea.Cmd {
	was := m.scan
	m.records = m.svc.Snapshot()
	m.scan = m.svc.ScanState()
	if m.cursor >= len(m.records) {
		m.cursor = max(len(m.records)-1, 0)
	}
	if was != scan.Scanning && m.scan == scan.Scanning {
		return m.spinner.Tick
	}
	return nil
}

func (m *Model) setStatus(text string, err error) {
	if err != nil {
		m.status = err.Error()
		m.statusErr = true
		return
	}
	m.status = text
	m.statusErr = false
}

// View renders the list.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("BLE Manager"))
	b.WriteString("  ")
	if m.scan == scan.Scanning {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(connStyle.Render("scanning"))
	} else {
		b.WriteString(mutedStyle.Render("idle"))
	}
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(mutedStyle.Render("No peripherals yet. Press s to scan."))
		b.WriteString("\n")
	}
	for i, rec := range m.records {
		line := fmt.Sprintf("%-20s %-20s %-12s %s", truncate(rec.Name, 20), rec.ID, connLabel(rec), rssiLabel(rec))
		switch {
		case i == m.cursor:
			line = selectedStyle.Render(line)
		case rec.Connected:
			line = connStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(errStyle.Render(m.status))
		} else {
			b.WriteString(m.status)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(keys))
	return b.String()
}

func connLabel(rec peripheral.Record) string {
	if rec.Connected {
		return "connected"
	}
	return "-"
}

func rssiLabel(rec peripheral.Record) string {
	if !rec.HasRSSI() {
		return ""
	}
	return fmt.Sprintf("RSSI: %d", *rec.RSSI)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run shows the browser until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(New(src), tea.WithAltScreen(), tea.WithContext(ctx))

	unsubs := []func(){
		src.OnChange(func() { p.Send(ChangedMsg{}) }),
		src.OnCharacteristicValue(func(v ble.CharacteristicValue) { p.Send(ValueMsg{Value: v}) }),
		src.OnError(func(err error) { p.Send(ErrorMsg{Err: err}) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
