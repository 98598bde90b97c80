package engine

import (
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/vmservice"
)

// SessionView is an immutable copy of one session's display state.
type SessionView struct {
	ID         session.ID
	Device     session.Device
	Phase      session.Phase
	AppID      string
	VMState    vmservice.ConnState
	AutoReload bool
	Stats      session.Stats
	LastError  string
	LogTail    []string
	LogTotal   int
}

// Snapshot is the engine's full display state at one point in time. Values
// are copied so consumers on other goroutines never share memory with the
// registry.
type Snapshot struct {
	// Sessions are in insertion order.
	Sessions []SessionView

	// Selected is the index into Sessions of the selected session, -1 when
	// there are none.
	Selected int
}

// snapshotTailLines bounds how much log text travels with each snapshot.
const snapshotTailLines = 200

// Snapshot builds the current display state. Must be called from the
// dispatcher goroutine.
func (e *Engine) Snapshot() Snapshot {
	handles := e.registry.All()
	views := make([]SessionView, 0, len(handles))
	for _, h := range handles {
		s := h.Session
		views = append(views, SessionView{
			ID:         s.ID,
			Device:     s.Device,
			Phase:      s.Phase,
			AppID:      s.AppID,
			VMState:    s.VMState,
			AutoReload: s.AutoReload,
			Stats:      s.Stats,
			LastError:  s.LastError,
			LogTail:    s.Logs.Tail(snapshotTailLines),
			LogTotal:   s.Logs.Len(),
		})
	}
	return Snapshot{Sessions: views, Selected: e.registry.SelectedIndex()}
}
