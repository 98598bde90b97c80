package engine

import (
	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/stats"
	"github.com/hangar-dev/hangar/internal/vmservice"
	"github.com/hangar-dev/hangar/internal/watch"
)

// Msg is one unit of inbound work. Every subsystem event and every user
// command is a Msg; all of them flow through a single ordered bus so the
// engine observes one total order of events.
type Msg interface {
	isMsg()
}

// CreateSessionMsg asks for a new session on a device.
type CreateSessionMsg struct {
	Device  session.Device
	WorkDir string
}

// CloseSessionMsg asks to stop and remove a session.
type CloseSessionMsg struct {
	ID session.ID
}

// SelectSessionMsg selects the session at an insertion-order position.
type SelectSessionMsg struct {
	Pos int
}

// HotReloadMsg requests a hot reload. A zero ID targets the selected session.
type HotReloadMsg struct {
	ID session.ID
}

// HotRestartMsg requests a hot restart. A zero ID targets the selected
// session.
type HotRestartMsg struct {
	ID session.ID
}

// ToggleAutoReloadMsg flips auto reload. A zero ID targets the selected
// session.
type ToggleAutoReloadMsg struct {
	ID session.ID
}

// RetryVMMsg asks for a fresh introspection connection after the client gave
// up. A zero ID targets the selected session.
type RetryVMMsg struct {
	ID session.ID
}

// DaemonEventMsg wraps one subprocess event, tagged with its session.
type DaemonEventMsg struct {
	ID    session.ID
	Event daemon.Event
}

// VMEventMsg wraps one introspection client event, tagged with its session.
type VMEventMsg struct {
	ID    session.ID
	Event vmservice.Event
}

// FilesChangedMsg carries one debounced batch of source changes.
type FilesChangedMsg struct {
	Batch watch.Batch
}

// SessionSpawnedMsg reports that the subprocess for a session started.
type SessionSpawnedMsg struct {
	ID         session.ID
	Supervisor *daemon.Supervisor
}

// SpawnFailedMsg reports that the subprocess for a session failed to start.
type SpawnFailedMsg struct {
	ID  session.ID
	Err error
}

// RequestDoneMsg reports completion of an asynchronous control protocol
// request issued for a session. Op names the operation ("reload", "restart").
type RequestDoneMsg struct {
	ID  session.ID
	Op  string
	Err error
}

// IsolateResolvedMsg reports the main isolate id fetched after a connect.
type IsolateResolvedMsg struct {
	ID      session.ID
	Isolate string
}

// StatsSampleMsg carries one subprocess resource sample.
type StatsSampleMsg struct {
	ID     session.ID
	Sample stats.Sample
}

// MemorySampleMsg carries one VM heap sample.
type MemorySampleMsg struct {
	ID           session.ID
	HeapUsage    uint64
	HeapCapacity uint64
}

func (CreateSessionMsg) isMsg()    {}
func (CloseSessionMsg) isMsg()     {}
func (SelectSessionMsg) isMsg()    {}
func (HotReloadMsg) isMsg()        {}
func (HotRestartMsg) isMsg()       {}
func (ToggleAutoReloadMsg) isMsg() {}
func (RetryVMMsg) isMsg()          {}
func (DaemonEventMsg) isMsg()      {}
func (VMEventMsg) isMsg()          {}
func (FilesChangedMsg) isMsg()     {}
func (SessionSpawnedMsg) isMsg()   {}
func (SpawnFailedMsg) isMsg()      {}
func (RequestDoneMsg) isMsg()      {}
func (IsolateResolvedMsg) isMsg()  {}
func (StatsSampleMsg) isMsg()      {}
func (MemorySampleMsg) isMsg()     {}
