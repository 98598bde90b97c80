// Package engine is the orchestration core. It consumes every inbound
// message (user commands, subprocess events, introspection events, file
// changes, poll samples) in one total order and owns all session state.
//
// The transition function Apply never performs I/O: it mutates the registry
// and returns intents describing the side effects it wants. The dispatcher
// executes them. This keeps every state transition synchronous and testable
// without processes or sockets.
package engine

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/vmservice"
)

// Engine owns the session registry and applies every inbound message.
// It is not safe for concurrent use; the dispatcher serializes all calls.
type Engine struct {
	registry *session.Registry
	cfg      *config.Config
	observer Observer
}

// New creates an engine.
//
// Parameters:
//   - cfg: The project configuration.
//   - obs: Receives notices; nil means no notifications.
//
// Returns:
//   - *Engine: The engine with an empty registry.
func New(cfg *config.Config, obs Observer) *Engine {
	if obs == nil {
		obs = NoopObserver{}
	}
	return &Engine{
		registry: session.NewRegistry(cfg.Sessions.Max),
		cfg:      cfg,
		observer: obs,
	}
}

// Registry exposes the session registry for snapshotting. Callers must only
// touch it from the dispatcher goroutine.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Apply processes one message and returns the side effects to perform.
// Messages referencing sessions that no longer exist are logged and dropped;
// stale events from closed sessions are expected during teardown.
func (e *Engine) Apply(msg Msg) []Intent {
	switch m := msg.(type) {
	case CreateSessionMsg:
		return e.applyCreate(m)
	case CloseSessionMsg:
		return e.applyClose(m)
	case SelectSessionMsg:
		e.registry.Select(m.Pos)
		return nil
	case HotReloadMsg:
		return e.applyReload(m.ID, false)
	case HotRestartMsg:
		return e.applyReload(m.ID, true)
	case ToggleAutoReloadMsg:
		if h := e.target(m.ID); h != nil {
			h.Session.AutoReload = !h.Session.AutoReload
		}
		return nil
	case RetryVMMsg:
		return e.applyRetryVM(m)
	case SessionSpawnedMsg:
		return e.applySpawned(m)
	case SpawnFailedMsg:
		return e.applySpawnFailed(m)
	case DaemonEventMsg:
		return e.applyDaemonEvent(m)
	case VMEventMsg:
		return e.applyVMEvent(m)
	case FilesChangedMsg:
		return e.applyFilesChanged(m)
	case RequestDoneMsg:
		return e.applyRequestDone(m)
	case IsolateResolvedMsg:
		if h := e.registry.Get(m.ID); h != nil {
			h.Session.IsolateID = m.Isolate
		}
		return nil
	case StatsSampleMsg:
		if h := e.registry.Get(m.ID); h != nil {
			h.Session.Stats.CPUPercent = m.Sample.CPUPercent
			h.Session.Stats.RSSBytes = m.Sample.RSSBytes
			h.Session.Stats.SampledAt = time.Now()
		}
		return nil
	case MemorySampleMsg:
		if h := e.registry.Get(m.ID); h != nil {
			h.Session.Stats.HeapUsage = m.HeapUsage
			h.Session.Stats.HeapCapacity = m.HeapCapacity
			h.Session.Stats.SampledAt = time.Now()
		}
		return nil
	default:
		log.Warn("Dropping unhandled message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

// target resolves a session reference: an explicit id, or the selected
// session when the id is zero.
func (e *Engine) target(id session.ID) *session.Handle {
	if id != "" {
		return e.registry.Get(id)
	}
	return e.registry.Selected()
}

func (e *Engine) applyCreate(m CreateSessionMsg) []Intent {
	if existing := e.registry.FindByDevice(m.Device.ID); existing != nil {
		e.notify(Notice{Level: NoticeWarn, Text: fmt.Sprintf("device %s already has a session", m.Device.ID)})
		return nil
	}

	s := session.New(m.Device, m.WorkDir, e.cfg.Sessions.LogLines)
	if _, err := e.registry.Create(s); err != nil {
		e.notify(Notice{Level: NoticeWarn, Text: err.Error()})
		return nil
	}
	return []Intent{SpawnSessionIntent{ID: s.ID, Device: m.Device, WorkDir: m.WorkDir}}
}

func (e *Engine) applyClose(m CloseSessionMsg) []Intent {
	h, err := e.registry.Close(m.ID)
	if err != nil {
		log.Debug("Close for unknown session", "session", m.ID)
		return nil
	}
	h.Session.Phase = session.PhaseStopping
	return []Intent{StopSessionIntent{Handle: h}}
}

func (e *Engine) applyReload(id session.ID, fullRestart bool) []Intent {
	h := e.target(id)
	if h == nil {
		return nil
	}
	s := h.Session
	if s.Phase != session.PhaseRunning {
		e.notify(Notice{Level: NoticeInfo, Text: fmt.Sprintf("session %s is %s, not running", shortID(s.ID), s.Phase)})
		return nil
	}
	if s.AppID == "" {
		e.notify(Notice{Level: NoticeWarn, Text: "app has not started yet"})
		return nil
	}

	op := "reload"
	if fullRestart {
		op = "restart"
		s.Phase = session.PhaseRestarting
	} else {
		s.Phase = session.PhaseReloading
	}
	return []Intent{DaemonCallIntent{
		ID:     s.ID,
		Op:     op,
		Method: "app.restart",
		Params: map[string]any{
			"appId":       s.AppID,
			"fullRestart": fullRestart,
			"reason":      "manual",
			"pause":       false,
		},
	}}
}

func (e *Engine) applyRetryVM(m RetryVMMsg) []Intent {
	h := e.target(m.ID)
	if h == nil {
		return nil
	}
	if h.Session.VMServiceURI == "" {
		e.notify(Notice{Level: NoticeWarn, Text: "session has no vm service endpoint yet"})
		return nil
	}
	// A fresh connection loop replaces whatever was left of the old one.
	var intents []Intent
	if released := h.ReleaseAuxTasks(); len(released) > 0 {
		intents = append(intents, ReapTasksIntent{Tasks: released})
	}
	return append(intents, ConnectVMIntent{ID: h.Session.ID, URI: h.Session.VMServiceURI})
}

func (e *Engine) applySpawned(m SessionSpawnedMsg) []Intent {
	h := e.registry.Get(m.ID)
	if h == nil {
		// Session was closed while the spawn was in flight.
		return []Intent{KillSupervisorIntent{Supervisor: m.Supervisor}}
	}
	h.Supervisor = m.Supervisor
	return []Intent{StartStatsIntent{ID: m.ID}}
}

func (e *Engine) applySpawnFailed(m SpawnFailedMsg) []Intent {
	h, err := e.registry.Close(m.ID)
	if err != nil {
		return nil
	}
	h.Session.Phase = session.PhaseExited
	e.notify(Notice{Level: NoticeError, Text: fmt.Sprintf("failed to start tool: %v", m.Err)})
	return nil
}

func (e *Engine) applyDaemonEvent(m DaemonEventMsg) []Intent {
	h := e.registry.Get(m.ID)
	if h == nil {
		log.Debug("Dropping event for unknown session", "session", m.ID)
		return nil
	}
	s := h.Session

	switch m.Event.Kind {
	case daemon.EventRaw:
		s.Logs.Append(m.Event.Line)
		return nil

	case daemon.EventExited:
		s.Phase = session.PhaseExited
		if m.Event.Err != nil {
			s.LastError = m.Event.Err.Error()
			s.Logs.Append(fmt.Sprintf("process exited: %v", m.Event.Err))
		} else {
			s.Logs.Append("process exited")
		}
		if released := h.ReleaseAll(); len(released) > 0 {
			return []Intent{ReapTasksIntent{Tasks: released}}
		}
		return nil

	case daemon.EventProtocol:
		return e.applyProtocolEvent(h, m.Event)

	default:
		return nil
	}
}

// applyProtocolEvent handles decoded control protocol events for a session.
func (e *Engine) applyProtocolEvent(h *session.Handle, ev daemon.Event) []Intent {
	s := h.Session
	params := ev.Params

	switch ev.Name {
	case "app.start":
		s.AppID = gjson.GetBytes(params, "appId").String()
		return nil

	case "app.debugPort":
		uri := gjson.GetBytes(params, "wsUri").String()
		if uri == "" {
			log.Warn("app.debugPort without wsUri", "session", s.ID)
			return nil
		}
		s.VMServiceURI = uri
		return []Intent{ConnectVMIntent{ID: s.ID, URI: uri}}

	case "app.started":
		s.Phase = session.PhaseRunning
		s.LastError = ""
		return nil

	case "app.progress":
		if msg := gjson.GetBytes(params, "message").String(); msg != "" {
			s.Logs.Append(msg)
		}
		return nil

	case "app.log":
		line := gjson.GetBytes(params, "log").String()
		if gjson.GetBytes(params, "error").Bool() {
			line = "[error] " + line
		}
		s.Logs.Append(line)
		return nil

	case "app.stop":
		s.Phase = session.PhaseExited
		return nil

	case "daemon.logMessage":
		if msg := gjson.GetBytes(params, "message").String(); msg != "" {
			s.Logs.Append(msg)
		}
		return nil

	default:
		log.Debug("Unhandled protocol event", "session", s.ID, "event", ev.Name)
		return nil
	}
}

func (e *Engine) applyVMEvent(m VMEventMsg) []Intent {
	h := e.registry.Get(m.ID)
	if h == nil {
		log.Debug("Dropping vm event for unknown session", "session", m.ID)
		return nil
	}
	s := h.Session

	switch m.Event.Kind {
	case vmservice.EventStateChanged:
		s.VMState = m.Event.State
		// Any transition makes per-connection identifiers stale.
		s.IsolateID = ""
		if m.Event.Err != nil {
			s.LastError = m.Event.Err.Error()
		}

		// Pollers must never outlive the connection generation they were
		// started for. The old set is cancelled here and awaited off the
		// transition path; Apply itself never waits on a goroutine.
		var intents []Intent
		if released := h.ReleaseAuxTasks(); len(released) > 0 {
			intents = append(intents, ReapTasksIntent{Tasks: released})
		}
		if m.Event.State.Status == vmservice.StatusConnected {
			intents = append(intents, StartAuxTasksIntent{ID: s.ID})
		}
		return intents

	case vmservice.EventStream:
		log.Debug("Stream notification", "session", s.ID, "stream", m.Event.Stream)
		return nil

	default:
		return nil
	}
}

func (e *Engine) applyFilesChanged(m FilesChangedMsg) []Intent {
	var intents []Intent
	for _, h := range e.registry.All() {
		s := h.Session
		if !s.AutoReload || s.Phase != session.PhaseRunning || s.AppID == "" {
			continue
		}
		s.Phase = session.PhaseReloading
		intents = append(intents, DaemonCallIntent{
			ID:     s.ID,
			Op:     "reload",
			Method: "app.restart",
			Params: map[string]any{
				"appId":       s.AppID,
				"fullRestart": false,
				"reason":      "save",
				"pause":       false,
			},
		})
	}
	if len(intents) > 0 {
		log.Debug("Source change triggered auto reload", "files", len(m.Batch.Paths), "sessions", len(intents))
	}
	return intents
}

func (e *Engine) applyRequestDone(m RequestDoneMsg) []Intent {
	h := e.registry.Get(m.ID)
	if h == nil {
		return nil
	}
	s := h.Session

	switch m.Op {
	case "reload", "restart":
		if s.Phase == session.PhaseReloading || s.Phase == session.PhaseRestarting {
			s.Phase = session.PhaseRunning
		}
		if m.Err != nil {
			s.LastError = m.Err.Error()
			e.notify(Notice{Level: NoticeError, Text: fmt.Sprintf("%s failed: %v", m.Op, m.Err)})
		} else {
			s.LastError = ""
		}
	default:
		if m.Err != nil {
			s.LastError = m.Err.Error()
		}
	}
	return nil
}

// shortID abbreviates a session id for user-facing notices.
func shortID(id session.ID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
