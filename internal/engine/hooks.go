package engine

import "github.com/charmbracelet/log"

// NoticeLevel classifies a user-facing notice.
type NoticeLevel int

const (
	// NoticeInfo is informational.
	NoticeInfo NoticeLevel = iota

	// NoticeWarn is a recoverable problem.
	NoticeWarn

	// NoticeError is a failed operation.
	NoticeError
)

// Notice is one user-facing message produced by the engine.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Observer receives engine output that is not session state: notices for the
// user and snapshots after each applied message. Implementations must not
// call back into the engine.
type Observer interface {
	// OnNotice delivers one user-facing message.
	OnNotice(n Notice)

	// OnSnapshot delivers the current view of all sessions. Called after
	// every applied message.
	OnSnapshot(s Snapshot)
}

// NoopObserver discards everything.
type NoopObserver struct{}

// OnNotice implements Observer.
func (NoopObserver) OnNotice(Notice) {}

// OnSnapshot implements Observer.
func (NoopObserver) OnSnapshot(Snapshot) {}

// notify delivers one notice to the observer. A panicking observer is logged
// and contained; it must never abort message processing.
func (e *Engine) notify(n Notice) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Observer panicked on notice", "recover", r)
		}
	}()
	e.observer.OnNotice(n)
}

// publishSnapshot delivers the current display state to the observer with the
// same panic containment as notify.
func (e *Engine) publishSnapshot() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Observer panicked on snapshot", "recover", r)
		}
	}()
	e.observer.OnSnapshot(e.Snapshot())
}
