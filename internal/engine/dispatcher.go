package engine

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hangar-dev/hangar/internal/daemon"
	"github.com/hangar-dev/hangar/internal/session"
	"github.com/hangar-dev/hangar/internal/stats"
	"github.com/hangar-dev/hangar/internal/vmservice"
	"github.com/hangar-dev/hangar/internal/watch"
)

// errDaemonUnavailable reports a request against a session whose subprocess
// is gone or not yet up.
var errDaemonUnavailable = errors.New("tool subprocess is not available")

const (
	// busCapacity buffers inbound messages so subprocess readers rarely block.
	busCapacity = 256

	// statsPollInterval is how often subprocess resources are sampled.
	statsPollInterval = 2 * time.Second

	// memoryPollInterval is how often VM heap usage is sampled.
	memoryPollInterval = 5 * time.Second
)

// Dispatcher drains the inbound bus, applies each message to the engine, and
// executes the resulting intents. It is the only component that spawns
// goroutines; every goroutine it starts reports back by posting messages,
// never by touching state.
type Dispatcher struct {
	engine *Engine
	root   string
	bus    chan Msg

	// runCtx is the lifetime of Run, parent of every spawned task.
	runCtx context.Context
}

// NewDispatcher creates a dispatcher for an engine.
//
// Parameters:
//   - e: The engine. The dispatcher becomes its sole caller.
//   - root: The project root directory.
//
// Returns:
//   - *Dispatcher: The dispatcher, not yet running.
func NewDispatcher(e *Engine, root string) *Dispatcher {
	return &Dispatcher{
		engine: e,
		root:   root,
		bus:    make(chan Msg, busCapacity),
	}
}

// Post enqueues one message. Safe to call from any goroutine. Blocks when the
// bus is full, preserving total message order.
func (d *Dispatcher) Post(msg Msg) {
	d.bus <- msg
}

// Run processes messages until ctx is cancelled, then tears every session
// down. A source watcher runs for the whole lifetime and feeds change
// batches onto the bus.
//
// Parameters:
//   - ctx: Context governing the dispatcher lifetime.
//
// Returns:
//   - error: The ctx error once shutdown completes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCtx = ctx
	d.startWatcher(ctx)

	for {
		select {
		case <-ctx.Done():
			d.shutdownAll()
			return ctx.Err()

		case msg := <-d.bus:
			for _, intent := range d.engine.Apply(msg) {
				d.execute(intent)
			}
			d.engine.publishSnapshot()
		}
	}
}

// startWatcher begins watching the configured source roots. Failure to watch
// degrades auto reload but never stops the dispatcher.
func (d *Dispatcher) startWatcher(ctx context.Context) {
	cfg := d.engine.cfg
	roots := make([]string, 0, len(cfg.Watch.Paths))
	for _, p := range cfg.Watch.Paths {
		roots = append(roots, filepath.Join(d.root, p))
	}

	w, err := watch.New(watch.Config{
		Roots:      roots,
		Extensions: cfg.Watch.Extensions,
		Debounce:   cfg.Debounce(),
		Emit:       func(b watch.Batch) { d.Post(FilesChangedMsg{Batch: b}) },
	})
	if err != nil {
		log.Warn("File watching disabled", "error", err)
		return
	}
	go w.Run(ctx)
}

// execute performs one intent. Registry and handle mutations happen here on
// the dispatcher goroutine; anything blocking is pushed into a goroutine
// that reports back via the bus.
func (d *Dispatcher) execute(intent Intent) {
	switch in := intent.(type) {
	case SpawnSessionIntent:
		d.spawnSession(in)
	case StopSessionIntent:
		d.stopSession(in.Handle)
	case DaemonCallIntent:
		d.daemonCall(in)
	case ConnectVMIntent:
		d.connectVM(in)
	case StartAuxTasksIntent:
		d.startAuxTasks(in.ID)
	case StartStatsIntent:
		d.startStats(in.ID)
	case KillSupervisorIntent:
		go in.Supervisor.Shutdown(d.runCtx, "", d.engine.cfg.ShutdownTimeout())
	case ReapTasksIntent:
		go reapTasks(in.Tasks)
	default:
		log.Warn("Dropping unhandled intent", "intent", intent)
	}
}

// spawnSession starts the dev tool for a session in the background.
func (d *Dispatcher) spawnSession(in SpawnSessionIntent) {
	cfg := d.engine.cfg
	command := make([]string, 0, len(cfg.Tool.Args)+3)
	command = append(command, cfg.Tool.Command)
	command = append(command, cfg.Tool.Args...)
	if in.Device.ID != "" {
		command = append(command, "-d", in.Device.ID)
	}

	id := in.ID
	go func() {
		sup, err := daemon.Spawn(daemon.Config{
			Tag:     string(id),
			Command: command,
			WorkDir: in.WorkDir,
			Env:     cfg.Tool.Env,
			Emit:    func(ev daemon.Event) { d.Post(DaemonEventMsg{ID: id, Event: ev}) },
		})
		if err != nil {
			d.Post(SpawnFailedMsg{ID: id, Err: err})
			return
		}
		d.Post(SessionSpawnedMsg{ID: id, Supervisor: sup})
	}()
}

// stopSession tears down a handle that has already left the registry.
func (d *Dispatcher) stopSession(h *session.Handle) {
	appID := h.Session.AppID
	sup := h.Supervisor
	bound := d.engine.cfg.ShutdownTimeout()
	go func() {
		h.StopAll()
		if sup != nil {
			// Background context: session shutdown must finish even while the
			// dispatcher itself is shutting down.
			sup.Shutdown(context.Background(), appID, bound)
		}
	}()
}

// daemonCall issues one control protocol request and reports the outcome.
func (d *Dispatcher) daemonCall(in DaemonCallIntent) {
	h := d.engine.registry.Get(in.ID)
	if h == nil || h.Supervisor == nil {
		d.Post(RequestDoneMsg{ID: in.ID, Op: in.Op, Err: errDaemonUnavailable})
		return
	}
	sup := h.Supervisor
	bound := d.engine.cfg.RequestTimeout()
	go func() {
		_, err := sup.Call(d.runCtx, in.Method, in.Params, bound)
		d.Post(RequestDoneMsg{ID: in.ID, Op: in.Op, Err: err})
	}()
}

// connectVM replaces the session's introspection client and starts its
// connection loop.
func (d *Dispatcher) connectVM(in ConnectVMIntent) {
	h := d.engine.registry.Get(in.ID)
	if h == nil {
		return
	}
	cfg := d.engine.cfg
	id := in.ID

	client := vmservice.New(vmservice.Config{
		Tag:                string(id),
		URI:                in.URI,
		Emit:               func(ev vmservice.Event) { d.Post(VMEventMsg{ID: id, Event: ev}) },
		DialTimeout:        time.Duration(cfg.VM.DialTimeoutSec) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.VM.HeartbeatSec) * time.Second,
		HeartbeatThreshold: cfg.VM.HeartbeatThreshold,
		BackoffBase:        time.Duration(cfg.VM.BackoffBaseSec) * time.Second,
		BackoffCap:         time.Duration(cfg.VM.BackoffCapSec) * time.Second,
		MaxAttempts:        cfg.VM.MaxReconnects,
		Streams:            cfg.VM.Streams,
		RequestTimeout:     cfg.RequestTimeout(),
	})
	h.VM = client

	taskCtx, task := session.NewTask(d.runCtx)
	go func() {
		defer close(task.Done())
		if err := client.Run(taskCtx); err != nil && taskCtx.Err() == nil {
			log.Debug("VM connection loop ended", "session", id, "error", err)
		}
	}()
	if prev := h.SwapVMTask(task); prev.Active() {
		go reapTasks([]session.Task{prev})
	}
}

// startAuxTasks spawns the connection-scoped pollers: one isolate lookup and
// a heap usage poll. They die with the connection generation.
func (d *Dispatcher) startAuxTasks(id session.ID) {
	h := d.engine.registry.Get(id)
	if h == nil || h.VM == nil {
		return
	}
	client := h.VM

	taskCtx, task := session.NewTask(d.runCtx)
	go func() {
		defer close(task.Done())

		if isolate, err := client.MainIsolateID(taskCtx); err == nil {
			d.Post(IsolateResolvedMsg{ID: id, Isolate: isolate})
		} else if taskCtx.Err() == nil {
			log.Debug("Failed to resolve main isolate", "session", id, "error", err)
		}

		ticker := time.NewTicker(memoryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				used, capacity, err := client.MemoryUsage(taskCtx)
				if err != nil {
					if taskCtx.Err() == nil {
						log.Debug("Memory sample failed", "session", id, "error", err)
					}
					continue
				}
				d.Post(MemorySampleMsg{ID: id, HeapUsage: used, HeapCapacity: capacity})
			}
		}
	}()
	h.AddAuxTask(task)
}

// startStats spawns the subprocess resource poller for the session.
func (d *Dispatcher) startStats(id session.ID) {
	h := d.engine.registry.Get(id)
	if h == nil || h.Supervisor == nil {
		return
	}
	sampler, err := stats.NewSampler(h.Supervisor.Pid())
	if err != nil {
		log.Debug("Resource sampling unavailable", "session", id, "error", err)
		return
	}

	taskCtx, task := session.NewTask(d.runCtx)
	go func() {
		defer close(task.Done())
		ticker := time.NewTicker(statsPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				sample, err := sampler.Sample(taskCtx)
				if err != nil {
					// The process likely exited; the exit event retires the
					// task, so just skip this round.
					continue
				}
				d.Post(StatsSampleMsg{ID: id, Sample: sample})
			}
		}
	}()
	if prev := h.SwapStatsTask(task); prev.Active() {
		go reapTasks([]session.Task{prev})
	}
}

// reapTasks waits for already-cancelled tasks to finish. It always runs on
// its own goroutine: a dying task may still be posting to the bus, so the
// dispatcher must stay free to drain it.
func reapTasks(tasks []session.Task) {
	for _, t := range tasks {
		if t.Active() {
			<-t.Done()
		}
	}
}

// shutdownAll closes every remaining session and waits for their processes.
func (d *Dispatcher) shutdownAll() {
	bound := d.engine.cfg.ShutdownTimeout()
	handles := d.engine.registry.All()
	done := make(chan struct{}, len(handles))

	for _, h := range handles {
		removed, err := d.engine.registry.Close(h.Session.ID)
		if err != nil {
			continue
		}
		go func(h *session.Handle) {
			h.StopAll()
			if h.Supervisor != nil {
				h.Supervisor.Shutdown(context.Background(), h.Session.AppID, bound)
			}
			done <- struct{}{}
		}(removed)
	}

	for range handles {
		select {
		case <-done:
		case <-time.After(bound + 2*time.Second):
			log.Warn("Timed out waiting for session shutdown")
			return
		}
	}
}
