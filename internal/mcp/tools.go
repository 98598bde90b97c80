package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hangar-dev/hangar/internal/devices"
	"github.com/hangar-dev/hangar/internal/engine"
	"github.com/hangar-dev/hangar/internal/session"
)

// startBound is how long start_session waits for the subprocess to appear.
const startBound = 60 * time.Second

// opBound is how long reload/restart/stop wait for their outcome.
const opBound = 60 * time.Second

// --- list_devices ---

// ListDevicesInput defines the input parameters for the list_devices tool.
type ListDevicesInput struct{}

// DeviceInfo describes one connected device.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// ListDevicesOutput defines the output for the list_devices tool.
type ListDevicesOutput struct {
	Devices []DeviceInfo `json:"devices"`
}

func (s *Server) handleListDevices(ctx context.Context, req *mcp.CallToolRequest, input ListDevicesInput) (*mcp.CallToolResult, ListDevicesOutput, error) {
	devs, err := devices.List(ctx, s.cfg.Tool.Command, s.root)
	if err != nil {
		return nil, ListDevicesOutput{}, err
	}

	out := ListDevicesOutput{Devices: make([]DeviceInfo, 0, len(devs))}
	for _, d := range devs {
		out.Devices = append(out.Devices, DeviceInfo{ID: d.ID, Name: d.Name, Platform: d.Platform})
	}
	return nil, out, nil
}

// --- start_session ---

// StartSessionInput defines the input parameters for the start_session tool.
type StartSessionInput struct {
	DeviceID string `json:"device_id" jsonschema:"description=The device ID to run on (from list_devices)"`
}

// StartSessionOutput defines the output for the start_session tool.
type StartSessionOutput struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
}

func (s *Server) handleStartSession(ctx context.Context, req *mcp.CallToolRequest, input StartSessionInput) (*mcp.CallToolResult, StartSessionOutput, error) {
	if input.DeviceID == "" {
		return nil, StartSessionOutput{}, fmt.Errorf("device_id is required")
	}

	devs, err := devices.List(ctx, s.cfg.Tool.Command, s.root)
	if err != nil {
		return nil, StartSessionOutput{}, err
	}
	var device *session.Device
	for i := range devs {
		if devs[i].ID == input.DeviceID {
			device = &devs[i]
			break
		}
	}
	if device == nil {
		return nil, StartSessionOutput{}, fmt.Errorf("device %s is not connected", input.DeviceID)
	}

	s.dispatcher.Post(engine.CreateSessionMsg{Device: *device, WorkDir: s.root})

	snap, err := s.store.Await(ctx, startBound, func(snap engine.Snapshot) bool {
		return findByDevice(snap, input.DeviceID) != nil
	})
	if err != nil {
		return nil, StartSessionOutput{}, fmt.Errorf("session did not start: %w", err)
	}

	view := findByDevice(snap, input.DeviceID)
	return nil, StartSessionOutput{SessionID: string(view.ID), Phase: view.Phase.String()}, nil
}

// --- list_sessions ---

// ListSessionsInput defines the input parameters for the list_sessions tool.
type ListSessionsInput struct{}

// SessionInfo describes one active session.
type SessionInfo struct {
	SessionID    string  `json:"session_id"`
	DeviceID     string  `json:"device_id"`
	DeviceName   string  `json:"device_name"`
	Phase        string  `json:"phase"`
	VMConnection string  `json:"vm_connection"`
	AutoReload   bool    `json:"auto_reload"`
	CPUPercent   float64 `json:"cpu_percent"`
	RSSBytes     uint64  `json:"rss_bytes"`
	HeapUsage    uint64  `json:"heap_usage"`
	HeapCapacity uint64  `json:"heap_capacity"`
	LastError    string  `json:"last_error,omitempty"`
}

// ListSessionsOutput defines the output for the list_sessions tool.
type ListSessionsOutput struct {
	Sessions []SessionInfo `json:"sessions"`
}

func (s *Server) handleListSessions(ctx context.Context, req *mcp.CallToolRequest, input ListSessionsInput) (*mcp.CallToolResult, ListSessionsOutput, error) {
	snap := s.store.Latest()
	out := ListSessionsOutput{Sessions: make([]SessionInfo, 0, len(snap.Sessions))}
	for _, view := range snap.Sessions {
		out.Sessions = append(out.Sessions, SessionInfo{
			SessionID:    string(view.ID),
			DeviceID:     view.Device.ID,
			DeviceName:   view.Device.Name,
			Phase:        view.Phase.String(),
			VMConnection: view.VMState.Status.String(),
			AutoReload:   view.AutoReload,
			CPUPercent:   view.Stats.CPUPercent,
			RSSBytes:     view.Stats.RSSBytes,
			HeapUsage:    view.Stats.HeapUsage,
			HeapCapacity: view.Stats.HeapCapacity,
			LastError:    view.LastError,
		})
	}
	return nil, out, nil
}

// --- hot_reload / hot_restart ---

// ReloadInput defines the input parameters for the hot_reload and
// hot_restart tools.
type ReloadInput struct {
	SessionID string `json:"session_id" jsonschema:"description=The session to reload (from list_sessions)"`
}

// ReloadOutput defines the output for the hot_reload and hot_restart tools.
type ReloadOutput struct {
	Phase string `json:"phase"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHotReload(ctx context.Context, req *mcp.CallToolRequest, input ReloadInput) (*mcp.CallToolResult, ReloadOutput, error) {
	return s.runReload(ctx, input, false)
}

func (s *Server) handleHotRestart(ctx context.Context, req *mcp.CallToolRequest, input ReloadInput) (*mcp.CallToolResult, ReloadOutput, error) {
	return s.runReload(ctx, input, true)
}

func (s *Server) runReload(ctx context.Context, input ReloadInput, fullRestart bool) (*mcp.CallToolResult, ReloadOutput, error) {
	id := session.ID(input.SessionID)
	if view := findByID(s.store.Latest(), id); view == nil {
		return nil, ReloadOutput{}, fmt.Errorf("session %s not found", input.SessionID)
	}

	if fullRestart {
		s.dispatcher.Post(engine.HotRestartMsg{ID: id})
	} else {
		s.dispatcher.Post(engine.HotReloadMsg{ID: id})
	}

	// The engine marks the session busy and returns it to running (or exited)
	// when the request completes.
	snap, err := s.store.Await(ctx, opBound, func(snap engine.Snapshot) bool {
		view := findByID(snap, id)
		if view == nil {
			return true
		}
		return view.Phase != session.PhaseReloading && view.Phase != session.PhaseRestarting
	})
	if err != nil {
		return nil, ReloadOutput{}, err
	}

	view := findByID(snap, id)
	if view == nil {
		return nil, ReloadOutput{}, fmt.Errorf("session %s went away during the operation", input.SessionID)
	}
	return nil, ReloadOutput{Phase: view.Phase.String(), Error: view.LastError}, nil
}

// --- stop_session ---

// StopSessionInput defines the input parameters for the stop_session tool.
type StopSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"description=The session to stop (from list_sessions)"`
}

// StopSessionOutput defines the output for the stop_session tool.
type StopSessionOutput struct {
	Stopped bool `json:"stopped"`
}

func (s *Server) handleStopSession(ctx context.Context, req *mcp.CallToolRequest, input StopSessionInput) (*mcp.CallToolResult, StopSessionOutput, error) {
	id := session.ID(input.SessionID)
	if view := findByID(s.store.Latest(), id); view == nil {
		return nil, StopSessionOutput{}, fmt.Errorf("session %s not found", input.SessionID)
	}

	s.dispatcher.Post(engine.CloseSessionMsg{ID: id})

	if _, err := s.store.Await(ctx, opBound, func(snap engine.Snapshot) bool {
		return findByID(snap, id) == nil
	}); err != nil {
		return nil, StopSessionOutput{}, err
	}
	return nil, StopSessionOutput{Stopped: true}, nil
}

// --- get_logs ---

// GetLogsInput defines the input parameters for the get_logs tool.
type GetLogsInput struct {
	SessionID string `json:"session_id" jsonschema:"description=The session to read logs from"`
	Lines     int    `json:"lines,omitempty" jsonschema:"description=Maximum lines to return (default 50)"`
}

// GetLogsOutput defines the output for the get_logs tool.
type GetLogsOutput struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleGetLogs(ctx context.Context, req *mcp.CallToolRequest, input GetLogsInput) (*mcp.CallToolResult, GetLogsOutput, error) {
	view := findByID(s.store.Latest(), session.ID(input.SessionID))
	if view == nil {
		return nil, GetLogsOutput{}, fmt.Errorf("session %s not found", input.SessionID)
	}

	limit := input.Lines
	if limit <= 0 {
		limit = 50
	}
	lines := view.LogTail
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return nil, GetLogsOutput{Lines: lines}, nil
}

// --- snapshot helpers ---

// findByID returns the view for a session id, or nil.
func findByID(snap engine.Snapshot, id session.ID) *engine.SessionView {
	for i := range snap.Sessions {
		if snap.Sessions[i].ID == id {
			return &snap.Sessions[i]
		}
	}
	return nil
}

// findByDevice returns the view for a device id, or nil.
func findByDevice(snap engine.Snapshot, deviceID string) *engine.SessionView {
	for i := range snap.Sessions {
		if snap.Sessions[i].Device.ID == deviceID {
			return &snap.Sessions[i]
		}
	}
	return nil
}
