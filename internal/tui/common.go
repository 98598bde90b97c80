// Package tui provides the Bubble Tea session dashboard.
//
// The dashboard launches when a human runs `hangar run` in an interactive
// terminal. It is never activated for piped output; the isatty gate prevents
// it.
package tui

import (
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/hangar-dev/hangar/internal/engine"
	"github.com/hangar-dev/hangar/internal/session"
)

// --- TTY gate ---

// ShouldRunTUI returns true if the dashboard should be launched.
//
// Returns:
//   - bool: true when stdout is a terminal
func ShouldRunTUI() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// --- Colors ---

var (
	teal    = lipgloss.Color("#14B8A6")
	red     = lipgloss.Color("#EF4444")
	amber   = lipgloss.Color("#F59E0B")
	green   = lipgloss.Color("#22C55E")
	gray    = lipgloss.Color("#6B7280")
	dimGray = lipgloss.Color("#9CA3AF")
	white   = lipgloss.Color("#E5E7EB")
	blue    = lipgloss.Color("#60A5FA")
)

// --- Shared styles ---

var (
	// titleStyle renders the header.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(teal)

	// versionStyle renders the version badge.
	versionStyle = lipgloss.NewStyle().
			Foreground(dimGray)

	// selectedStyle highlights the selected session row.
	selectedStyle = lipgloss.NewStyle().
			Foreground(teal).
			Bold(true)

	// normalStyle renders unselected session rows.
	normalStyle = lipgloss.NewStyle().
			Foreground(white)

	// dimStyle renders low-priority text.
	dimStyle = lipgloss.NewStyle().
			Foreground(dimGray)

	// runningStyle renders healthy phase indicators.
	runningStyle = lipgloss.NewStyle().
			Foreground(green)

	// busyStyle renders in-flight phase indicators.
	busyStyle = lipgloss.NewStyle().
			Foreground(amber)

	// errorStyle renders failures.
	errorStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	// vmStyle renders the introspection connection badge.
	vmStyle = lipgloss.NewStyle().
			Foreground(blue)

	// helpStyle renders the bottom key hint bar.
	helpStyle = lipgloss.NewStyle().
			Foreground(gray)

	// separatorStyle renders horizontal rules.
	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#374151"))
)

// separator returns a horizontal line of the given width.
func separator(width int) string {
	s := ""
	for i := 0; i < width; i++ {
		s += "─"
	}
	return separatorStyle.Render(s)
}

// --- Shared message types ---

// SnapshotMsg carries the engine's display state after each applied message.
type SnapshotMsg struct {
	Snapshot engine.Snapshot
}

// NoticeMsg carries one user-facing notice from the engine.
type NoticeMsg struct {
	Notice engine.Notice
}

// DevicesMsg carries the fetched device list for the picker.
type DevicesMsg struct {
	Devices []session.Device
	Err     error
}

// copiedMsg reports the outcome of a clipboard copy.
type copiedMsg struct {
	lines int
	err   error
}

// --- Spinner factory ---

// newSpinner creates a consistently styled braille spinner.
func newSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(teal)
	return s
}

// --- Engine to program bridge ---

// Bridge forwards engine output into a running Bubble Tea program. It is
// created before the program exists; output arriving before Attach is
// dropped, which only loses the empty initial snapshots.
type Bridge struct {
	mu sync.Mutex
	p  *tea.Program
}

// NewBridge creates an unattached bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Attach connects the bridge to a program.
func (b *Bridge) Attach(p *tea.Program) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p = p
}

// OnNotice implements engine.Observer.
func (b *Bridge) OnNotice(n engine.Notice) {
	b.mu.Lock()
	p := b.p
	b.mu.Unlock()
	if p != nil {
		p.Send(NoticeMsg{Notice: n})
	}
}

// OnSnapshot implements engine.Observer.
func (b *Bridge) OnSnapshot(s engine.Snapshot) {
	b.mu.Lock()
	p := b.p
	b.mu.Unlock()
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: s})
	}
}
