package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/devices"
	"github.com/hangar-dev/hangar/internal/engine"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/vmservice"
)

// Poster accepts engine messages. Implemented by *engine.Dispatcher.
type Poster interface {
	Post(msg engine.Msg)
}

// hubModel is the top-level Bubble Tea model for the session dashboard.
type hubModel struct {
	version    string
	dispatcher Poster
	cfg        *config.Config
	root       string

	// Engine state, replaced wholesale by each snapshot.
	snapshot engine.Snapshot

	// Device picker (sub-screen)
	picking       bool
	pickerLoading bool
	pickerDevices []session.Device
	pickerCursor  int
	pickerErr     error

	// Shared state
	spinner spinner.Model
	status  string
	width   int
	height  int
}

// newHubModel creates the initial dashboard model.
func newHubModel(version string, d Poster, cfg *config.Config, root string) hubModel {
	return hubModel{
		version:    version,
		dispatcher: d,
		cfg:        cfg,
		root:       root,
		snapshot:   engine.Snapshot{Selected: -1},
		spinner:    newSpinner(),
	}
}

// --- Tea commands for async operations ---

// fetchDevicesCmd queries the tool for connected devices.
func fetchDevicesCmd(command, workDir string) tea.Cmd {
	return func() tea.Msg {
		devs, err := devices.List(context.Background(), command, workDir)
		return DevicesMsg{Devices: devs, Err: err}
	}
}

// copyLogsCmd copies the given lines to the system clipboard.
func copyLogsCmd(lines []string) tea.Cmd {
	return func() tea.Msg {
		err := clipboard.WriteAll(strings.Join(lines, "\n"))
		return copiedMsg{lines: len(lines), err: err}
	}
}

// --- Bubble Tea interface ---

// Init starts the spinner.
func (m hubModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages and key events.
func (m hubModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		return m, nil

	case NoticeMsg:
		m.status = msg.Notice.Text
		return m, nil

	case DevicesMsg:
		m.pickerLoading = false
		m.pickerErr = msg.Err
		m.pickerDevices = msg.Devices
		m.pickerCursor = 0
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("copy failed: %v", msg.err)
		} else {
			m.status = fmt.Sprintf("copied %d log lines", msg.lines)
		}
		return m, nil

	case tea.KeyMsg:
		if m.picking {
			return m.updatePicker(msg)
		}
		return m.updateDashboard(msg)
	}

	return m, nil
}

// updateDashboard handles keys on the main screen.
func (m hubModel) updateDashboard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// Digit keys select sessions by position.
	if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
		m.dispatcher.Post(engine.SelectSessionMsg{Pos: int(key[0] - '1')})
		return m, nil
	}

	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "n":
		m.picking = true
		m.pickerLoading = true
		m.pickerErr = nil
		m.pickerDevices = nil
		return m, fetchDevicesCmd(m.cfg.Tool.Command, m.root)

	case "r":
		m.dispatcher.Post(engine.HotReloadMsg{})
		return m, nil

	case "R":
		m.dispatcher.Post(engine.HotRestartMsg{})
		return m, nil

	case "a":
		m.dispatcher.Post(engine.ToggleAutoReloadMsg{})
		return m, nil

	case "v":
		m.dispatcher.Post(engine.RetryVMMsg{})
		return m, nil

	case "x":
		if view := m.selectedView(); view != nil {
			m.dispatcher.Post(engine.CloseSessionMsg{ID: view.ID})
		}
		return m, nil

	case "c":
		if view := m.selectedView(); view != nil && len(view.LogTail) > 0 {
			return m, copyLogsCmd(view.LogTail)
		}
		m.status = "nothing to copy"
		return m, nil
	}

	return m, nil
}

// updatePicker handles keys in the device picker.
func (m hubModel) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q":
		m.picking = false
		return m, nil

	case "up", "k":
		if m.pickerCursor > 0 {
			m.pickerCursor--
		}
		return m, nil

	case "down", "j":
		if m.pickerCursor < len(m.pickerDevices)-1 {
			m.pickerCursor++
		}
		return m, nil

	case "enter":
		if m.pickerLoading || m.pickerCursor >= len(m.pickerDevices) {
			return m, nil
		}
		dev := m.pickerDevices[m.pickerCursor]
		m.picking = false
		m.dispatcher.Post(engine.CreateSessionMsg{Device: dev, WorkDir: m.root})
		return m, nil
	}
	return m, nil
}

// selectedView returns the selected session's view, or nil.
func (m hubModel) selectedView() *engine.SessionView {
	if m.snapshot.Selected < 0 || m.snapshot.Selected >= len(m.snapshot.Sessions) {
		return nil
	}
	return &m.snapshot.Sessions[m.snapshot.Selected]
}

// --- View rendering ---

// View renders the dashboard or the device picker.
func (m hubModel) View() string {
	if m.picking {
		return m.viewPicker()
	}
	return m.viewDashboard()
}

func (m hubModel) viewDashboard() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("HANGAR"))
	b.WriteString("  ")
	b.WriteString(versionStyle.Render(m.version))
	b.WriteString("\n\n")

	if len(m.snapshot.Sessions) == 0 {
		b.WriteString(dimStyle.Render("No sessions. Press n to start one."))
		b.WriteString("\n")
	}
	for i, view := range m.snapshot.Sessions {
		b.WriteString(m.renderSessionRow(i, view))
		b.WriteString("\n")
	}

	if view := m.selectedView(); view != nil {
		b.WriteString("\n")
		b.WriteString(separator(m.paneWidth()))
		b.WriteString("\n")
		b.WriteString(m.renderLogs(*view))
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(m.status))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("1-9 select · n new · r reload · R restart · a auto · v retry vm · c copy logs · x close · q quit"))
	return b.String()
}

// renderSessionRow renders one session line.
func (m hubModel) renderSessionRow(i int, view engine.SessionView) string {
	marker := "  "
	rowStyle := normalStyle
	if i == m.snapshot.Selected {
		marker = "▶ "
		rowStyle = selectedStyle
	}

	name := view.Device.Name
	if name == "" {
		name = view.Device.ID
	}

	phase := m.renderPhase(view)
	vm := vmStyle.Render("vm:" + m.renderVMState(view.VMState))

	var extras []string
	if view.AutoReload {
		extras = append(extras, "auto")
	}
	if view.Stats.RSSBytes > 0 {
		extras = append(extras, fmt.Sprintf("cpu %.0f%% rss %s", view.Stats.CPUPercent, formatBytes(view.Stats.RSSBytes)))
	}
	if view.Stats.HeapCapacity > 0 {
		extras = append(extras, fmt.Sprintf("heap %s/%s", formatBytes(view.Stats.HeapUsage), formatBytes(view.Stats.HeapCapacity)))
	}

	row := fmt.Sprintf("%s%d. %s  %s  %s", marker, i+1, rowStyle.Render(name), phase, vm)
	if len(extras) > 0 {
		row += "  " + dimStyle.Render(strings.Join(extras, " · "))
	}
	if view.LastError != "" {
		row += "\n     " + errorStyle.Render(view.LastError)
	}
	return row
}

// renderPhase renders the lifecycle phase badge.
func (m hubModel) renderPhase(view engine.SessionView) string {
	label := view.Phase.String()
	switch view.Phase {
	case session.PhaseRunning:
		return runningStyle.Render(label)
	case session.PhaseReloading, session.PhaseRestarting, session.PhaseStarting:
		return busyStyle.Render(m.spinner.View() + label)
	case session.PhaseExited:
		return errorStyle.Render(label)
	default:
		return dimStyle.Render(label)
	}
}

// renderVMState renders the introspection connection badge text.
func (m hubModel) renderVMState(state vmservice.ConnState) string {
	if state.Status == vmservice.StatusReconnecting {
		return fmt.Sprintf("reconnecting %d/%d", state.Attempt, state.MaxAttempts)
	}
	return state.Status.String()
}

// renderLogs renders the selected session's log tail, fitted to the window.
func (m hubModel) renderLogs(view engine.SessionView) string {
	// Budget: window minus session rows, header, status, and help bar.
	budget := m.height - len(m.snapshot.Sessions) - 8
	if budget < 5 {
		budget = 5
	}
	lines := view.LogTail
	if len(lines) > budget {
		lines = lines[len(lines)-budget:]
	}
	return dimStyle.Render(strings.Join(lines, "\n"))
}

func (m hubModel) viewPicker() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Select a device"))
	b.WriteString("\n\n")

	switch {
	case m.pickerLoading:
		b.WriteString(m.spinner.View())
		b.WriteString(dimStyle.Render(" querying devices..."))
	case m.pickerErr != nil:
		b.WriteString(errorStyle.Render(m.pickerErr.Error()))
	case len(m.pickerDevices) == 0:
		b.WriteString(dimStyle.Render("No devices connected."))
	default:
		for i, dev := range m.pickerDevices {
			marker := "  "
			style := normalStyle
			if i == m.pickerCursor {
				marker = "▶ "
				style = selectedStyle
			}
			b.WriteString(fmt.Sprintf("%s%s  %s\n", marker, style.Render(dev.Name), dimStyle.Render(dev.Platform)))
		}
	}

	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ move · enter start session · esc back"))
	return b.String()
}

// paneWidth returns the usable width for separators.
func (m hubModel) paneWidth() int {
	if m.width <= 0 {
		return 60
	}
	return m.width
}

// formatBytes renders a byte count in binary units.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.0fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.0fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// --- Tea program runner ---

// RunHub launches the dashboard. This is the main entry point called from
// cmd/hangar.
//
// Parameters:
//   - version: The CLI version string for display.
//   - d: The running dispatcher commands are posted to.
//   - bridge: The engine observer; attached to the program before it runs.
//   - cfg: The project configuration.
//   - root: The project root directory.
//
// Returns:
//   - error: Any error from the Bubble Tea runtime.
func RunHub(version string, d *engine.Dispatcher, bridge *Bridge, cfg *config.Config, root string) error {
	p := tea.NewProgram(
		newHubModel(version, d, cfg, root),
		tea.WithAltScreen(),
	)
	bridge.Attach(p)
	_, err := p.Run()
	return err
}
