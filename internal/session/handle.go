package session

import (
	"context"

	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/vmservice"
)

// Task tracks one background goroutine owned by a Handle. Either both fields
// are set or both are nil; they are always assigned and cleared together.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask derives a cancellable context from parent and returns it together
// with the Task that controls it. The caller must close done when the
// goroutine exits.
func NewTask(parent context.Context) (context.Context, Task) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, Task{cancel: cancel, done: make(chan struct{})}
}

// Done returns the channel the owning goroutine closes on exit. Nil for the
// zero Task.
func (t Task) Done() chan struct{} {
	return t.done
}

// Active reports whether the task currently tracks a goroutine.
func (t Task) Active() bool {
	return t.cancel != nil
}

// Cancel signals the task's goroutine to exit without waiting for it. Calling
// Cancel on the zero Task is a no-op.
func (t Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Stop cancels the task and waits for its goroutine to exit. Calling Stop on
// the zero Task is a no-op. Stop blocks; it must not run on the goroutine
// that drains the task's output.
func (t Task) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Handle pairs a Session with the live resources serving it: the subprocess
// supervisor, the introspection client, and the background tasks bound to
// them. The engine is the only writer.
type Handle struct {
	Session *Session

	// Supervisor is the control-protocol subprocess. Nil until spawned.
	Supervisor *daemon.Supervisor

	// VM is the introspection client. Nil until the app reports its endpoint.
	VM *vmservice.Client

	// vmTask runs the introspection client's connection loop.
	vmTask Task

	// aux holds connection-scoped poll tasks. They are stopped and respawned
	// together on every (re)connect so no poller outlives the connection
	// generation it was started for.
	aux []Task

	// statsTask samples subprocess resource usage. It is bound to the
	// subprocess lifetime, not the introspection connection.
	statsTask Task
}

// NewHandle wraps a session with empty resource slots.
func NewHandle(s *Session) *Handle {
	return &Handle{Session: s}
}

// SwapVMTask records the connection-loop task, cancelling any previous one
// without waiting. The previous task is returned so the caller can await its
// exit off the message-processing goroutine.
func (h *Handle) SwapVMTask(t Task) Task {
	prev := h.vmTask
	prev.Cancel()
	h.vmTask = t
	return prev
}

// AddAuxTask registers a connection-scoped task.
func (h *Handle) AddAuxTask(t Task) {
	h.aux = append(h.aux, t)
}

// AuxTaskCount returns the number of registered connection-scoped tasks.
func (h *Handle) AuxTaskCount() int {
	return len(h.aux)
}

// ReleaseAuxTasks cancels every connection-scoped task, clears the slots, and
// returns the cancelled tasks for the caller to await. It never blocks; safe
// to call when none are running, and safe to call repeatedly.
func (h *Handle) ReleaseAuxTasks() []Task {
	tasks := h.aux
	h.aux = nil
	for _, t := range tasks {
		t.Cancel()
	}
	return tasks
}

// ReleaseAll cancels every task owned by the handle without waiting and
// returns the cancelled tasks for the caller to await. Idempotent.
func (h *Handle) ReleaseAll() []Task {
	tasks := h.ReleaseAuxTasks()
	if h.vmTask.Active() {
		h.vmTask.Cancel()
		tasks = append(tasks, h.vmTask)
		h.vmTask = Task{}
	}
	if h.statsTask.Active() {
		h.statsTask.Cancel()
		tasks = append(tasks, h.statsTask)
		h.statsTask = Task{}
	}
	return tasks
}

// StopAuxTasks cancels every connection-scoped task, waits for each to exit,
// and clears the slots. Safe to call when none are running, and safe to call
// repeatedly.
func (h *Handle) StopAuxTasks() {
	for _, t := range h.aux {
		t.Stop()
	}
	h.aux = nil
}

// SwapStatsTask records the resource sampling task, cancelling any previous
// one without waiting, and returns it.
func (h *Handle) SwapStatsTask(t Task) Task {
	prev := h.statsTask
	prev.Cancel()
	h.statsTask = t
	return prev
}

// StopAll tears down every task owned by the handle: aux pollers first, then
// the connection loop, then the resource sampler. Idempotent. StopAll blocks
// until every task has exited; it must only run on goroutines that do not
// drain the tasks' output (teardown goroutines, never the message loop).
func (h *Handle) StopAll() {
	h.StopAuxTasks()
	h.vmTask.Stop()
	h.vmTask = Task{}
	h.statsTask.Stop()
	h.statsTask = Task{}
}
