package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/vmservice"
	"github.com/hangar-dev/hangar/internal/watch"
)

type recordingObserver struct {
	notices []Notice
}

func (r *recordingObserver) OnNotice(n Notice)   { r.notices = append(r.notices, n) }
func (r *recordingObserver) OnSnapshot(Snapshot) {}

func newTestEngine() (*Engine, *recordingObserver) {
	obs := &recordingObserver{}
	return New(config.Default(), obs), obs
}

// createSession applies a create message and returns the new session id.
func createSession(t *testing.T, e *Engine, deviceID string) session.ID {
	t.Helper()
	intents := e.Apply(CreateSessionMsg{
		Device:  session.Device{ID: deviceID, Name: deviceID, Platform: "android"},
		WorkDir: "/tmp/app",
	})
	if len(intents) != 1 {
		t.Fatalf("create returned %d intents, want 1 spawn", len(intents))
	}
	spawn, ok := intents[0].(SpawnSessionIntent)
	if !ok {
		t.Fatalf("create intent = %T, want SpawnSessionIntent", intents[0])
	}
	return spawn.ID
}

// protocolEvent fabricates one decoded subprocess event message.
func protocolEvent(id session.ID, name, params string) DaemonEventMsg {
	return DaemonEventMsg{ID: id, Event: daemon.Event{
		Tag:    string(id),
		Kind:   daemon.EventProtocol,
		Name:   name,
		Params: json.RawMessage(params),
	}}
}

// startApp walks a session through spawn and app startup.
func startApp(t *testing.T, e *Engine, id session.ID, appID string) {
	t.Helper()
	e.Apply(SessionSpawnedMsg{ID: id})
	e.Apply(protocolEvent(id, "app.start", fmt.Sprintf(`{"appId":%q}`, appID)))
	e.Apply(protocolEvent(id, "app.started", fmt.Sprintf(`{"appId":%q}`, appID)))
}

// blockedTask starts a goroutine that exits only on cancellation.
func blockedTask(t *testing.T) session.Task {
	t.Helper()
	ctx, task := session.NewTask(context.Background())
	go func() {
		defer close(task.Done())
		<-ctx.Done()
	}()
	return task
}

func TestEngine_CreateRejectsDuplicateDevice(t *testing.T) {
	e, obs := newTestEngine()
	createSession(t, e, "emulator-5554")

	intents := e.Apply(CreateSessionMsg{Device: session.Device{ID: "emulator-5554"}})
	if len(intents) != 0 {
		t.Fatalf("duplicate device create returned %d intents, want 0", len(intents))
	}
	if len(obs.notices) == 0 {
		t.Fatal("duplicate device create should produce a notice")
	}
}

func TestEngine_CreateAtCapacityNotifiesAndKeepsState(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Max = 1
	obs := &recordingObserver{}
	e := New(cfg, obs)

	createSession(t, e, "dev-1")
	intents := e.Apply(CreateSessionMsg{Device: session.Device{ID: "dev-2"}})
	if len(intents) != 0 {
		t.Fatalf("over-capacity create returned %d intents, want 0", len(intents))
	}
	if e.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1", e.Registry().Len())
	}
	if len(obs.notices) == 0 {
		t.Fatal("over-capacity create should produce a notice")
	}
}

func TestEngine_AppLifecycleEvents(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	h := e.Registry().Get(id)

	e.Apply(protocolEvent(id, "app.start", `{"appId":"app-1"}`))
	if h.Session.AppID != "app-1" {
		t.Fatalf("app id = %q, want app-1", h.Session.AppID)
	}

	intents := e.Apply(protocolEvent(id, "app.debugPort", `{"appId":"app-1","wsUri":"ws://127.0.0.1:50300/ws"}`))
	if len(intents) != 1 {
		t.Fatalf("debugPort returned %d intents, want 1 connect", len(intents))
	}
	connect, ok := intents[0].(ConnectVMIntent)
	if !ok || connect.URI != "ws://127.0.0.1:50300/ws" {
		t.Fatalf("debugPort intent = %#v, want ConnectVMIntent with ws uri", intents[0])
	}

	e.Apply(protocolEvent(id, "app.started", `{"appId":"app-1"}`))
	if h.Session.Phase != session.PhaseRunning {
		t.Fatalf("phase = %v, want running", h.Session.Phase)
	}

	e.Apply(protocolEvent(id, "app.log", `{"appId":"app-1","log":"hello"}`))
	lines := h.Session.Logs.Lines()
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("logs = %v, want [hello]", lines)
	}
}

func TestEngine_RawOutputGoesToLogBuffer(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")

	e.Apply(DaemonEventMsg{ID: id, Event: daemon.Event{Kind: daemon.EventRaw, Line: "Launching lib/main.dart..."}})
	h := e.Registry().Get(id)
	if got := h.Session.Logs.Lines(); len(got) != 1 || got[0] != "Launching lib/main.dart..." {
		t.Fatalf("logs = %v", got)
	}
}

func TestEngine_HotReloadRoundTrip(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	startApp(t, e, id, "app-1")
	h := e.Registry().Get(id)

	intents := e.Apply(HotReloadMsg{ID: id})
	if len(intents) != 1 {
		t.Fatalf("reload returned %d intents, want 1", len(intents))
	}
	call, ok := intents[0].(DaemonCallIntent)
	if !ok || call.Method != "app.restart" || call.Op != "reload" {
		t.Fatalf("reload intent = %#v", intents[0])
	}
	if params := call.Params.(map[string]any); params["fullRestart"] != false {
		t.Fatal("hot reload must not request a full restart")
	}
	if h.Session.Phase != session.PhaseReloading {
		t.Fatalf("phase = %v, want reloading", h.Session.Phase)
	}

	e.Apply(RequestDoneMsg{ID: id, Op: "reload"})
	if h.Session.Phase != session.PhaseRunning {
		t.Fatalf("phase after reload = %v, want running", h.Session.Phase)
	}
	if h.Session.LastError != "" {
		t.Fatalf("last error = %q, want empty", h.Session.LastError)
	}
}

func TestEngine_HotRestartRequestsFullRestart(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	startApp(t, e, id, "app-1")

	intents := e.Apply(HotRestartMsg{ID: id})
	call := intents[0].(DaemonCallIntent)
	if call.Op != "restart" {
		t.Fatalf("op = %q, want restart", call.Op)
	}
	if params := call.Params.(map[string]any); params["fullRestart"] != true {
		t.Fatal("hot restart must request a full restart")
	}
}

func TestEngine_ReloadFailureSurfacesError(t *testing.T) {
	e, obs := newTestEngine()
	id := createSession(t, e, "dev")
	startApp(t, e, id, "app-1")
	e.Apply(HotReloadMsg{ID: id})

	e.Apply(RequestDoneMsg{ID: id, Op: "reload", Err: errors.New("compilation failed")})
	h := e.Registry().Get(id)
	if h.Session.Phase != session.PhaseRunning {
		t.Fatalf("phase = %v, want running after failed reload", h.Session.Phase)
	}
	if h.Session.LastError == "" {
		t.Fatal("failed reload should set the session error")
	}
	if len(obs.notices) == 0 {
		t.Fatal("failed reload should produce a notice")
	}
}

func TestEngine_ReloadWhenNotRunningIsRejected(t *testing.T) {
	e, obs := newTestEngine()
	id := createSession(t, e, "dev")

	intents := e.Apply(HotReloadMsg{ID: id})
	if len(intents) != 0 {
		t.Fatalf("reload of a starting session returned %d intents, want 0", len(intents))
	}
	if len(obs.notices) == 0 {
		t.Fatal("rejected reload should produce a notice")
	}
}

func TestEngine_VMConnectRestartsAuxTasks(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	h := e.Registry().Get(id)
	h.Session.IsolateID = "isolates/1"
	h.AddAuxTask(blockedTask(t))

	intents := e.Apply(VMEventMsg{ID: id, Event: vmservice.Event{
		Kind:  vmservice.EventStateChanged,
		State: vmservice.ConnState{Status: vmservice.StatusConnected},
	}})

	if h.AuxTaskCount() != 0 {
		t.Fatal("previous generation aux tasks must be cancelled before respawn")
	}
	if len(intents) != 2 {
		t.Fatalf("connect returned %d intents, want reap + start", len(intents))
	}
	reap, ok := intents[0].(ReapTasksIntent)
	if !ok || len(reap.Tasks) != 1 {
		t.Fatalf("first connect intent = %#v, want ReapTasksIntent with the old poller", intents[0])
	}
	if _, ok := intents[1].(StartAuxTasksIntent); !ok {
		t.Fatalf("second connect intent = %T, want StartAuxTasksIntent", intents[1])
	}
	if h.Session.IsolateID != "" {
		t.Fatal("cached isolate id must be invalidated on reconnect")
	}
}

func TestEngine_VMDisconnectStopsAuxAndRecordsError(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	h := e.Registry().Get(id)
	h.AddAuxTask(blockedTask(t))

	intents := e.Apply(VMEventMsg{ID: id, Event: vmservice.Event{
		Kind:  vmservice.EventStateChanged,
		State: vmservice.ConnState{Status: vmservice.StatusDisconnected},
		Err:   vmservice.ErrReconnectExhausted,
	}})
	if len(intents) != 1 {
		t.Fatalf("disconnect returned %d intents, want 1 reap", len(intents))
	}
	if reap, ok := intents[0].(ReapTasksIntent); !ok || len(reap.Tasks) != 1 {
		t.Fatalf("disconnect intent = %#v, want ReapTasksIntent with the old poller", intents[0])
	}
	if h.AuxTaskCount() != 0 {
		t.Fatal("disconnect must cancel aux tasks")
	}
	if h.Session.LastError == "" {
		t.Fatal("exhausted reconnect should surface as the session error")
	}
	if h.Session.VMState.Status != vmservice.StatusDisconnected {
		t.Fatalf("vm state = %v, want disconnected", h.Session.VMState.Status)
	}
}

func TestEngine_FilesChangedReloadsOnlyAutoReloadSessions(t *testing.T) {
	e, _ := newTestEngine()
	auto := createSession(t, e, "dev-auto")
	manual := createSession(t, e, "dev-manual")
	startApp(t, e, auto, "app-auto")
	startApp(t, e, manual, "app-manual")
	e.Apply(ToggleAutoReloadMsg{ID: auto})

	intents := e.Apply(FilesChangedMsg{Batch: watch.Batch{Paths: []string{"lib/main.dart"}}})
	if len(intents) != 1 {
		t.Fatalf("files changed returned %d intents, want 1", len(intents))
	}
	call := intents[0].(DaemonCallIntent)
	if call.ID != auto {
		t.Fatal("auto reload targeted the wrong session")
	}
	if call.Params.(map[string]any)["reason"] != "save" {
		t.Fatal("auto reload should carry the save reason")
	}
	if e.Registry().Get(manual).Session.Phase != session.PhaseRunning {
		t.Fatal("manual session must be untouched by file changes")
	}
}

func TestEngine_ProcessExitStopsEverything(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	startApp(t, e, id, "app-1")
	h := e.Registry().Get(id)
	h.AddAuxTask(blockedTask(t))
	h.SwapVMTask(blockedTask(t))

	intents := e.Apply(DaemonEventMsg{ID: id, Event: daemon.Event{Kind: daemon.EventExited, Err: errors.New("exit status 1")}})
	if h.Session.Phase != session.PhaseExited {
		t.Fatalf("phase = %v, want exited", h.Session.Phase)
	}
	if h.AuxTaskCount() != 0 {
		t.Fatal("process exit must cancel aux tasks")
	}
	if len(intents) != 1 {
		t.Fatalf("exit returned %d intents, want 1 reap", len(intents))
	}
	if reap, ok := intents[0].(ReapTasksIntent); !ok || len(reap.Tasks) != 2 {
		t.Fatalf("exit intent = %#v, want ReapTasksIntent with both tasks", intents[0])
	}
	if h.Session.LastError == "" {
		t.Fatal("abnormal exit should surface as the session error")
	}
}

func TestEngine_CloseReturnsStopIntent(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")

	intents := e.Apply(CloseSessionMsg{ID: id})
	if len(intents) != 1 {
		t.Fatalf("close returned %d intents, want 1", len(intents))
	}
	stop, ok := intents[0].(StopSessionIntent)
	if !ok {
		t.Fatalf("close intent = %T, want StopSessionIntent", intents[0])
	}
	if stop.Handle.Session.Phase != session.PhaseStopping {
		t.Fatalf("phase = %v, want stopping", stop.Handle.Session.Phase)
	}
	if e.Registry().Len() != 0 {
		t.Fatal("closed session must leave the registry immediately")
	}
}

func TestEngine_EventsForUnknownSessionsAreDropped(t *testing.T) {
	e, _ := newTestEngine()

	ghost := session.NewID()
	if intents := e.Apply(protocolEvent(ghost, "app.started", `{}`)); len(intents) != 0 {
		t.Fatal("event for unknown session must be dropped")
	}
	if intents := e.Apply(VMEventMsg{ID: ghost, Event: vmservice.Event{Kind: vmservice.EventStateChanged}}); len(intents) != 0 {
		t.Fatal("vm event for unknown session must be dropped")
	}
	if intents := e.Apply(RequestDoneMsg{ID: ghost, Op: "reload"}); len(intents) != 0 {
		t.Fatal("request completion for unknown session must be dropped")
	}
}

func TestEngine_RetryVMRequiresEndpoint(t *testing.T) {
	e, obs := newTestEngine()
	id := createSession(t, e, "dev")

	if intents := e.Apply(RetryVMMsg{ID: id}); len(intents) != 0 {
		t.Fatal("retry without an endpoint must be rejected")
	}
	if len(obs.notices) == 0 {
		t.Fatal("rejected retry should produce a notice")
	}

	h := e.Registry().Get(id)
	h.Session.VMServiceURI = "ws://127.0.0.1:50300/ws"
	intents := e.Apply(RetryVMMsg{ID: id})
	if len(intents) != 1 {
		t.Fatalf("retry returned %d intents, want 1", len(intents))
	}
	if _, ok := intents[0].(ConnectVMIntent); !ok {
		t.Fatalf("retry intent = %T, want ConnectVMIntent", intents[0])
	}
}

func TestEngine_ApplyNeverWaitsForTaskExit(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	h := e.Registry().Get(id)

	// A task that keeps running for a while after cancellation, like a poller
	// stuck delivering its last sample to a congested bus.
	ctx, task := session.NewTask(context.Background())
	release := make(chan struct{})
	go func() {
		defer close(task.Done())
		<-ctx.Done()
		<-release
	}()
	h.AddAuxTask(task)

	applied := make(chan []Intent, 1)
	go func() {
		applied <- e.Apply(VMEventMsg{ID: id, Event: vmservice.Event{
			Kind:  vmservice.EventStateChanged,
			State: vmservice.ConnState{Status: vmservice.StatusDisconnected},
		}})
	}()

	var intents []Intent
	select {
	case intents = <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked waiting for a cancelled task to exit")
	}
	reap, ok := intents[0].(ReapTasksIntent)
	if !ok || len(reap.Tasks) != 1 {
		t.Fatalf("intent = %#v, want ReapTasksIntent carrying the lingering task", intents[0])
	}

	close(release)
	select {
	case <-reap.Tasks[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("released task never exited")
	}
}

type panickyObserver struct{}

func (panickyObserver) OnNotice(Notice)     { panic("observer bug") }
func (panickyObserver) OnSnapshot(Snapshot) { panic("observer bug") }

func TestEngine_PanickingObserverIsContained(t *testing.T) {
	e := New(config.Default(), panickyObserver{})
	createSession(t, e, "dev")

	// The duplicate create produces a notice; the observer's panic must not
	// escape Apply or disturb registry state.
	intents := e.Apply(CreateSessionMsg{Device: session.Device{ID: "dev"}})
	if len(intents) != 0 {
		t.Fatalf("duplicate device create returned %d intents, want 0", len(intents))
	}
	if e.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1", e.Registry().Len())
	}

	e.publishSnapshot()
}

func TestEngine_SnapshotCopiesState(t *testing.T) {
	e, _ := newTestEngine()
	id := createSession(t, e, "dev")
	startApp(t, e, id, "app-1")
	e.Apply(DaemonEventMsg{ID: id, Event: daemon.Event{Kind: daemon.EventRaw, Line: "out"}})

	snap := e.Snapshot()
	if len(snap.Sessions) != 1 {
		t.Fatalf("snapshot has %d sessions, want 1", len(snap.Sessions))
	}
	view := snap.Sessions[0]
	if view.Phase != session.PhaseRunning || view.AppID != "app-1" {
		t.Fatalf("view = %+v", view)
	}
	if len(view.LogTail) != 1 || view.LogTail[0] != "out" {
		t.Fatalf("log tail = %v", view.LogTail)
	}
	if snap.Selected != 0 {
		t.Fatalf("selected = %d, want 0", snap.Selected)
	}
}
