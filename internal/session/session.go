// Package session holds the domain state for running sessions: the Session
// itself, the Handle that pairs it with its background tasks, and the
// Registry that owns all live sessions.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/hangar-dev/hangar/internal/vmservice"
)

// ID uniquely identifies a session. It is generated at creation, immutable,
// and the only key used to look a session up anywhere in the system.
type ID string

// NewID generates a fresh session id.
func NewID() ID {
	return ID(uuid.New().String())
}

// Phase is the lifecycle phase of a session's managed app.
type Phase int

const (
	// PhaseStarting means the subprocess is up but the app has not started.
	PhaseStarting Phase = iota

	// PhaseRunning means the app is running.
	PhaseRunning

	// PhaseReloading means a hot reload is in flight.
	PhaseReloading

	// PhaseRestarting means a hot restart is in flight.
	PhaseRestarting

	// PhaseStopping means shutdown has been requested.
	PhaseStopping

	// PhaseExited means the subprocess has exited.
	PhaseExited
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseReloading:
		return "reloading"
	case PhaseRestarting:
		return "restarting"
	case PhaseStopping:
		return "stopping"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Device describes the physical or virtual target a session runs on.
type Device struct {
	// ID is the tool-level device identifier (e.g. "emulator-5554").
	ID string

	// Name is the human-readable device name.
	Name string

	// Platform is the target platform (e.g. "android", "ios").
	Platform string
}

// Stats holds the most recent resource sample for a session.
type Stats struct {
	// CPUPercent is the subprocess CPU usage.
	CPUPercent float64

	// RSSBytes is the subprocess resident set size.
	RSSBytes uint64

	// HeapUsage is the VM heap bytes in use.
	HeapUsage uint64

	// HeapCapacity is the VM heap capacity in bytes.
	HeapCapacity uint64

	// SampledAt is when the sample was taken.
	SampledAt time.Time
}

// Session is the domain state for one supervised target. It is owned
// exclusively by its Handle; all mutation flows through the engine's
// transition function.
type Session struct {
	// ID is the immutable session identifier.
	ID ID

	// Device is the target this session is attached to.
	Device Device

	// WorkDir is the project directory the tool was started in.
	WorkDir string

	// Phase is the current lifecycle phase.
	Phase Phase

	// AppID is the tool-assigned app identifier, used to correlate control
	// protocol app events back to this session. Empty until app.start.
	AppID string

	// VMServiceURI is the introspection endpoint reported by the tool.
	// Empty until the app reports debug ports.
	VMServiceURI string

	// VMState mirrors the secondary connection state for display. It is set
	// only from connection state-change events, never directly.
	VMState vmservice.ConnState

	// IsolateID mirrors the client's cached main isolate id for display.
	IsolateID string

	// AutoReload triggers a hot reload whenever watched source files change.
	AutoReload bool

	// Logs is the bounded per-session log buffer.
	Logs *LogBuffer

	// Stats is the most recent resource sample.
	Stats Stats

	// LastError is the most recent user-visible failure, cleared by the next
	// successful operation.
	LastError string

	// CreatedAt is when the session was created.
	CreatedAt time.Time
}

// New builds a Session in its initial phase.
//
// Parameters:
//   - device: The target device.
//   - workDir: The project directory.
//   - logCapacity: Maximum retained log lines.
//
// Returns:
//   - *Session: The new session with a fresh id.
func New(device Device, workDir string, logCapacity int) *Session {
	return &Session{
		ID:        NewID(),
		Device:    device,
		WorkDir:   workDir,
		Phase:     PhaseStarting,
		Logs:      NewLogBuffer(logCapacity),
		CreatedAt: time.Now(),
	}
}
