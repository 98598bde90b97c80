package engine

import (
	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/session"
)

// Intent is one side effect the engine wants performed. Apply returns
// intents instead of doing I/O itself; the dispatcher is the only component
// that executes them and the only place goroutines are spawned.
type Intent interface {
	isIntent()
}

// SpawnSessionIntent starts the dev tool subprocess for a session.
type SpawnSessionIntent struct {
	ID      session.ID
	Device  session.Device
	WorkDir string
}

// StopSessionIntent tears down a removed session's resources: background
// tasks first, then graceful subprocess shutdown. The handle has already
// left the registry.
type StopSessionIntent struct {
	Handle *session.Handle
}

// DaemonCallIntent issues one control protocol request for a session. The
// outcome comes back on the bus as a RequestDoneMsg with the same Op.
type DaemonCallIntent struct {
	ID     session.ID
	Op     string
	Method string
	Params any
}

// ConnectVMIntent starts (or restarts) the introspection connection loop for
// a session at the given endpoint.
type ConnectVMIntent struct {
	ID  session.ID
	URI string
}

// StartAuxTasksIntent spawns the connection-scoped pollers for a session.
// The engine has already stopped the previous generation's pollers.
type StartAuxTasksIntent struct {
	ID session.ID
}

// StartStatsIntent spawns the resource sampling poller for a freshly spawned
// subprocess. It lives for the subprocess lifetime.
type StartStatsIntent struct {
	ID session.ID
}

// KillSupervisorIntent force-stops a subprocess whose session was closed
// before the spawn completed.
type KillSupervisorIntent struct {
	Supervisor *daemon.Supervisor
}

// ReapTasksIntent awaits the exit of background tasks the engine has already
// cancelled. Apply never waits on a goroutine itself; a task blocked posting
// to a full bus would deadlock against the message loop.
type ReapTasksIntent struct {
	Tasks []session.Task
}

func (SpawnSessionIntent) isIntent()   {}
func (StopSessionIntent) isIntent()    {}
func (DaemonCallIntent) isIntent()     {}
func (ConnectVMIntent) isIntent()      {}
func (StartAuxTasksIntent) isIntent()  {}
func (StartStatsIntent) isIntent()     {}
func (KillSupervisorIntent) isIntent() {}
func (ReapTasksIntent) isIntent()      {}
