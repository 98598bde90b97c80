// Package mcp provides the MCP (Model Context Protocol) server implementation.
//
// This package exposes session orchestration as tools that can be called by
// AI agents via the MCP protocol: starting sessions on devices, triggering
// hot reloads, and inspecting session state. The server runs its own headless
// engine; sessions it creates live for the lifetime of the server process.
package mcp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hangar-dev/hangar/internal/config"
	"github.com/hangar-dev/hangar/internal/engine"
)

// Server wraps the MCP server around a headless orchestration engine.
type Server struct {
	mcpServer  *mcp.Server
	dispatcher *engine.Dispatcher
	store      *snapshotStore
	cfg        *config.Config
	root       string
	version    string
}

// NewServer creates a new MCP server rooted at the current project.
//
// Parameters:
//   - version: The CLI version string
//
// Returns:
//   - *Server: A new server instance
//   - error: Any error that occurred during initialization
func NewServer(version string) (*Server, error) {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	root := config.FindRoot(workDir)

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}

	store := newSnapshotStore()
	eng := engine.New(cfg, store)

	s := &Server{
		dispatcher: engine.NewDispatcher(eng, root),
		store:      store,
		cfg:        cfg,
		root:       root,
		version:    version,
	}

	s.mcpServer = mcp.NewServer(
		&mcp.Implementation{
			Name:    "hangar",
			Version: version,
		},
		nil,
	)

	s.registerTools()

	return s, nil
}

// Run starts the engine and serves MCP over stdio until ctx is cancelled.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: Any error that occurred during execution
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		_ = s.dispatcher.Run(ctx)
	}()

	err := s.mcpServer.Run(ctx, &mcp.StdioTransport{})

	// Give sessions their graceful shutdown before returning.
	cancel()
	<-dispatcherDone
	return err
}

// registerTools registers all session tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_devices",
		Description: "List connected devices and simulators the dev tool can run on.",
	}, s.handleListDevices)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "start_session",
		Description: "Start a dev session on a device. Returns the new session ID once the subprocess is up.",
	}, s.handleStartSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List active sessions with their lifecycle phase, VM connection state, and resource usage.",
	}, s.handleListSessions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "hot_reload",
		Description: "Hot reload a session: inject updated source into the running app, preserving state.",
	}, s.handleHotReload)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "hot_restart",
		Description: "Hot restart a session: restart the app with updated source, resetting state.",
	}, s.handleHotRestart)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "stop_session",
		Description: "Stop a session and shut down its subprocess.",
	}, s.handleStopSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_logs",
		Description: "Get recent log output for a session.",
	}, s.handleGetLogs)
}

// --- Engine output store ---

// snapshotStore implements engine.Observer, retaining the latest snapshot so
// tool handlers can read and await engine state from their own goroutines.
type snapshotStore struct {
	mu       sync.Mutex
	snapshot engine.Snapshot
	seq      int
	changed  chan struct{}
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{
		snapshot: engine.Snapshot{Selected: -1},
		changed:  make(chan struct{}),
	}
}

// OnNotice implements engine.Observer.
func (st *snapshotStore) OnNotice(engine.Notice) {}

// OnSnapshot implements engine.Observer.
func (st *snapshotStore) OnSnapshot(s engine.Snapshot) {
	st.mu.Lock()
	st.snapshot = s
	st.seq++
	close(st.changed)
	st.changed = make(chan struct{})
	st.mu.Unlock()
}

// Latest returns the most recent snapshot.
func (st *snapshotStore) Latest() engine.Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot
}

// Await blocks until pred holds on a snapshot or the deadline passes,
// returning the matching snapshot. The current snapshot is checked first.
func (st *snapshotStore) Await(ctx context.Context, bound time.Duration, pred func(engine.Snapshot) bool) (engine.Snapshot, error) {
	deadline := time.After(bound)
	for {
		st.mu.Lock()
		snap := st.snapshot
		changed := st.changed
		st.mu.Unlock()

		if pred(snap) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return engine.Snapshot{}, ctx.Err()
		case <-deadline:
			return engine.Snapshot{}, fmt.Errorf("timed out waiting for session state")
		case <-changed:
		}
	}
}
