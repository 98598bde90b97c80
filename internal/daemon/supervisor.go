// Package daemon supervises one dev-tool subprocess per session and speaks
// the line-delimited control protocol over its standard streams.
//
// The supervisor owns exactly one reader goroutine per process. Response
// frames are resolved through the session's request tracker; event frames and
// plain output lines are forwarded to the orchestration engine tagged with
// the supervisor's correlation tag, so the engine can route them to the
// owning session.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hangar-dev/hangar/internal/protocol"
)

// maxLineBytes bounds a single protocol line. App snapshots and stack traces
// can be large; anything beyond this is truncated by the scanner.
const maxLineBytes = 4 * 1024 * 1024

// EventKind classifies an event emitted by a Supervisor.
type EventKind int

const (
	// EventProtocol is a decoded protocol event frame.
	EventProtocol EventKind = iota

	// EventRaw is a plain, non-protocol output line.
	EventRaw

	// EventExited reports that the subprocess has exited.
	EventExited
)

// Event is one occurrence forwarded from the subprocess to the engine.
type Event struct {
	// Tag is the correlation tag given at Spawn (the owning session id).
	Tag string

	// Kind classifies the event.
	Kind EventKind

	// Name is the protocol event name (EventProtocol only).
	Name string

	// Params is the protocol event payload (EventProtocol only).
	Params json.RawMessage

	// Line is the raw output line (EventRaw only).
	Line string

	// Err is the process exit error, nil on clean exit (EventExited only).
	Err error
}

// Config describes the subprocess to supervise.
type Config struct {
	// Tag is the correlation tag attached to every emitted event.
	Tag string

	// Command is the full command line, program first.
	Command []string

	// WorkDir is the working directory for the subprocess.
	WorkDir string

	// Env is extra environment in KEY=VALUE form, appended to os.Environ.
	Env []string

	// Emit receives every event produced by the supervisor. Must be non-nil
	// and must not block for long; it feeds the engine's inbound bus.
	Emit func(Event)
}

// Supervisor owns one running subprocess and its protocol channel.
type Supervisor struct {
	tag     string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	tracker *protocol.Tracker
	emit    func(Event)

	// writeMu serialises all stdin writes.
	writeMu sync.Mutex

	// exited is closed once the process has been reaped.
	exited chan struct{}
}

// Spawn starts the subprocess and its reader goroutines. The supervisor owns
// the process lifetime from here on: only Shutdown terminates it, so the
// graceful stop sequence always gets its chance before any kill.
//
// Parameters:
//   - cfg: The subprocess description.
//
// Returns:
//   - *Supervisor: The running supervisor.
//   - error: Any error starting the process.
func Spawn(cfg Config) (*Supervisor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if cfg.Emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), cfg.Env...)

	// Own process group so shutdown can kill stray children too.
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command[0], err)
	}

	s := &Supervisor{
		tag:     cfg.Tag,
		cmd:     cmd,
		stdin:   stdin,
		tracker: protocol.NewTracker(),
		emit:    cfg.Emit,
		exited:  make(chan struct{}),
	}

	go s.readStderr(stderr)
	go s.readLoop(stdout)

	return s, nil
}

// Pid returns the subprocess pid, or 0 when unavailable.
func (s *Supervisor) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited returns a channel closed once the subprocess has been reaped.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Call sends a request frame and waits for its response under a bound.
//
// Parameters:
//   - ctx: Context for cancellation.
//   - method: The request method name.
//   - params: Request parameters; marshalled to JSON when non-nil.
//   - bound: Maximum time to wait for the response.
//
// Returns:
//   - json.RawMessage: The response payload.
//   - error: protocol.ErrRequestTimedOut on timeout, or a write/remote error.
func (s *Supervisor) Call(ctx context.Context, method string, params any, bound time.Duration) (json.RawMessage, error) {
	id, ch := s.tracker.Register()

	raw, err := protocol.BuildRequest(id, method, params)
	if err != nil {
		s.tracker.HandleResponse(id, nil, err)
		return nil, err
	}

	if err := s.writeLine(raw); err != nil {
		s.tracker.HandleResponse(id, nil, err)
		return nil, fmt.Errorf("failed to write %s request: %w", method, err)
	}

	return s.tracker.Await(ctx, id, ch, bound)
}

// Shutdown stops the subprocess in two phases: a best-effort request for the
// tool to stop its managed target, then a clean channel shutdown, then a hard
// process-group kill when the process is still alive after the bound.
//
// Parameters:
//   - ctx: Context for cancellation.
//   - appID: The running app's id for the stop request; skipped when empty.
//   - bound: Maximum time to wait for a clean exit before killing.
func (s *Supervisor) Shutdown(ctx context.Context, appID string, bound time.Duration) {
	// Phase one: ask the tool to stop the target. Best effort; a tool that
	// never started an app answers with an error we can ignore.
	if appID != "" {
		if _, err := s.Call(ctx, "app.stop", map[string]any{"appId": appID}, bound); err != nil {
			log.Debug("app.stop failed during shutdown", "session", s.tag, "error", err)
		}
	}

	// Phase two: close the control channel itself.
	if _, err := s.Call(ctx, "daemon.shutdown", nil, bound); err != nil {
		log.Debug("daemon.shutdown failed during shutdown", "session", s.tag, "error", err)
	}

	select {
	case <-s.exited:
		return
	case <-time.After(bound):
	}

	if pid := s.Pid(); pid > 0 {
		log.Warn("Subprocess did not exit cleanly, killing process group", "session", s.tag, "pid", pid)
		if err := killProcessGroup(pid, syscall.SIGKILL); err != nil {
			log.Warn("Failed to kill process group", "session", s.tag, "pid", pid, "error", err)
		}
	}
	<-s.exited
}

// writeLine writes one frame plus newline to the subprocess stdin.
func (s *Supervisor) writeLine(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stdin.Write(append(raw, '\n'))
	return err
}

// readLoop scans stdout line by line, frames each line, and routes it.
// A parse failure on one line is logged and the line dropped; it never
// terminates the loop. The loop ends when the process closes stdout, after
// which the process is reaped and an EventExited is emitted.
func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		frame, isFrame, err := protocol.ParseLine(line)
		if err != nil {
			log.Warn("Dropping malformed protocol frame", "session", s.tag, "error", err, "line", truncate(line, 120))
			continue
		}
		if !isFrame {
			s.emit(Event{Tag: s.tag, Kind: EventRaw, Line: line})
			continue
		}

		switch frame.Kind {
		case protocol.KindResponse:
			var rpcErr error
			if frame.Error != nil {
				rpcErr = &protocol.RemoteError{Payload: frame.Error}
			}
			s.tracker.HandleResponse(frame.ID, frame.Result, rpcErr)
		case protocol.KindEvent:
			s.emit(Event{Tag: s.tag, Kind: EventProtocol, Name: frame.Event, Params: frame.Params})
		default:
			// The tool should not send us requests; ignore rather than fail.
			log.Debug("Ignoring unexpected request frame from subprocess", "session", s.tag, "method", frame.Method)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug("Subprocess stdout closed", "session", s.tag, "error", err)
	}

	waitErr := s.cmd.Wait()
	s.tracker.FailAll(fmt.Errorf("subprocess exited"))
	close(s.exited)
	s.emit(Event{Tag: s.tag, Kind: EventExited, Err: waitErr})
}

// readStderr forwards stderr lines as raw output.
func (s *Supervisor) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.emit(Event{Tag: s.tag, Kind: EventRaw, Line: scanner.Text()})
	}
}

// truncate shortens a string for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
