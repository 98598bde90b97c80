// Package vmservice provides the per-session WebSocket client for the VM
// introspection service.
//
// The client owns a connection state machine (disconnected, connected,
// reconnecting), a heartbeat monitor that detects silent connection failure,
// and automatic reconnection with exponential backoff. It never mutates
// session domain state: everything the rest of the system needs to know is
// emitted as events tagged with the owning session id.
package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/hangar-dev/hangar/internal/protocol"
)

var (
	// ErrConnectionLost is returned for requests made while disconnected and
	// used to fail outstanding requests when the connection drops.
	ErrConnectionLost = errors.New("vm service connection lost")

	// ErrReconnectExhausted is returned when automatic reconnection gave up
	// after the configured maximum attempts. The session stays unavailable
	// until the user forces a retry.
	ErrReconnectExhausted = errors.New("vm service reconnect attempts exhausted")
)

// Status is the coarse connection status.
type Status int

const (
	// StatusDisconnected means no live connection and no reconnect running.
	StatusDisconnected Status = iota

	// StatusConnected means the connection is live.
	StatusConnected

	// StatusReconnecting means an automatic reconnect cycle is in progress.
	StatusReconnecting
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnState is the externally visible connection state.
type ConnState struct {
	// Status is the coarse connection status.
	Status Status

	// Attempt is the current reconnect attempt, 1-based. Zero unless
	// Status is StatusReconnecting.
	Attempt int

	// MaxAttempts is the configured reconnect attempt limit.
	MaxAttempts int
}

// EventKind classifies an event emitted by a Client.
type EventKind int

const (
	// EventStateChanged reports a connection state transition.
	EventStateChanged EventKind = iota

	// EventStream is a notification received on a subscribed stream.
	EventStream
)

// Event is one occurrence forwarded from the client to the engine.
type Event struct {
	// Tag is the owning session id.
	Tag string

	// Kind classifies the event.
	Kind EventKind

	// State is the new connection state (EventStateChanged only).
	State ConnState

	// Err carries the failure that caused a transition away from connected,
	// including ErrReconnectExhausted when automatic retries gave up.
	Err error

	// Stream is the stream id the notification arrived on (EventStream only).
	Stream string

	// Params is the notification payload (EventStream only).
	Params json.RawMessage
}

// Config describes one VM service connection.
type Config struct {
	// Tag is the owning session id, attached to every emitted event.
	Tag string

	// URI is the WebSocket endpoint.
	URI string

	// Emit receives every event produced by the client. Must be non-nil.
	Emit func(Event)

	// DialTimeout bounds one connection attempt. Default 10s.
	DialTimeout time.Duration

	// HeartbeatInterval is the period between liveness probes. Default 5s.
	HeartbeatInterval time.Duration

	// HeartbeatThreshold is how many consecutive probe failures trigger a
	// disconnect. Must be greater than 1 so a reset is observable. Default 3.
	HeartbeatThreshold int

	// BackoffBase is the first reconnect delay. Default 1s.
	BackoffBase time.Duration

	// BackoffCap is the maximum reconnect delay. Default 30s.
	BackoffCap time.Duration

	// MaxAttempts is the reconnect attempt limit. Default 10.
	MaxAttempts int

	// Streams are subscribed on every successful (re)connection.
	Streams []string

	// RequestTimeout bounds individual requests. Default 30s.
	RequestTimeout time.Duration
}

// withDefaults fills unset fields with their defaults.
func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatThreshold == 0 {
		c.HeartbeatThreshold = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Client is a resilient VM service connection for one session.
type Client struct {
	cfg     Config
	tracker *protocol.Tracker

	// writeMu serialises all connection writes.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnState
	generation int
	isolateID  string
}

// New creates a client. No connection is attempted until Run.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		tracker: protocol.NewTracker(),
		state:   ConnState{Status: StatusDisconnected, MaxAttempts: cfg.MaxAttempts},
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and serves the connection until the context is cancelled or
// reconnection is exhausted. The initial connection attempt is not retried:
// its error is returned so the caller decides what to do. Once connected,
// lost connections are re-established automatically with exponential backoff.
//
// Parameters:
//   - ctx: Context governing the connection lifetime.
//
// Returns:
//   - error: ctx error, the initial dial error, or ErrReconnectExhausted.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.transition(ConnState{Status: StatusDisconnected, MaxAttempts: c.cfg.MaxAttempts}, err)
		return err
	}

	for {
		serveErr := c.serve(ctx)
		c.teardown()

		if ctx.Err() != nil {
			c.transition(ConnState{Status: StatusDisconnected, MaxAttempts: c.cfg.MaxAttempts}, nil)
			return ctx.Err()
		}

		c.transition(ConnState{Status: StatusDisconnected, MaxAttempts: c.cfg.MaxAttempts}, serveErr)
		log.Warn("VM service connection lost", "session", c.cfg.Tag, "error", serveErr)

		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

// connect performs a single connection attempt under the dial timeout. On
// success it transitions to connected and invalidates the cached
// per-connection isolate id. It never retries; stream subscription happens in
// serve, once the read loop is pumping responses.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URI, nil)
	if err != nil {
		return fmt.Errorf("vm service dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.generation++
	// Identifiers derived from a previous connection must never be reused.
	c.isolateID = ""
	c.mu.Unlock()

	c.transition(ConnState{Status: StatusConnected, MaxAttempts: c.cfg.MaxAttempts}, nil)
	return nil
}

// serve pumps the connection: one read loop goroutine plus the heartbeat
// ticker. Stream subscriptions are re-issued here, after the read loop is up,
// since their responses need a running reader to resolve. It returns when the
// connection is lost, the heartbeat trips, or the context is cancelled.
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}

	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)

	// Subscriptions do not survive a connection, so every generation
	// re-subscribes.
	for _, stream := range c.cfg.Streams {
		if _, err := c.Call(ctx, "streamListen", map[string]any{"streamId": stream}, c.cfg.RequestTimeout); err != nil {
			log.Warn("Failed to subscribe to stream", "session", c.cfg.Tag, "stream", stream, "error", err)
		}
	}

	monitor := newHeartbeatMonitor(c.cfg.HeartbeatThreshold)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-readErr
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-ticker.C:
			if err := c.ping(ctx); err != nil {
				tripped := monitor.RecordFailure()
				log.Debug("Heartbeat probe failed", "session", c.cfg.Tag, "misses", monitor.Misses(), "error", err)
				if tripped {
					_ = conn.Close()
					<-readErr
					return fmt.Errorf("heartbeat failed %d consecutive times: %w", monitor.Misses(), ErrConnectionLost)
				}
			} else {
				monitor.RecordSuccess()
			}
		}
	}
}

// reconnect runs the backoff cycle after a lost connection. It transitions to
// reconnecting for each attempt and settles at disconnected when exhausted.
func (c *Client) reconnect(ctx context.Context) error {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		state := ConnState{Status: StatusReconnecting, Attempt: attempt, MaxAttempts: c.cfg.MaxAttempts}
		c.transition(state, nil)

		delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
		select {
		case <-ctx.Done():
			c.transition(ConnState{Status: StatusDisconnected, MaxAttempts: c.cfg.MaxAttempts}, nil)
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := c.connect(ctx); err != nil {
			log.Warn("Reconnect attempt failed", "session", c.cfg.Tag, "attempt", attempt, "max", c.cfg.MaxAttempts, "error", err)
			continue
		}
		return nil
	}

	c.transition(ConnState{Status: StatusDisconnected, MaxAttempts: c.cfg.MaxAttempts}, ErrReconnectExhausted)
	return ErrReconnectExhausted
}

// readLoop reads frames until the connection fails, routing responses to the
// tracker and stream notifications to the emit callback.
func (c *Client) readLoop(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.tracker.FailAll(ErrConnectionLost)
			readErr <- fmt.Errorf("vm service read failed: %w", err)
			return
		}

		msg := gjson.ParseBytes(data)
		switch {
		case msg.Get("id").Exists():
			var rpcErr error
			if errObj := msg.Get("error"); errObj.Exists() {
				rpcErr = &protocol.RemoteError{Payload: json.RawMessage(errObj.Raw)}
			}
			var result json.RawMessage
			if res := msg.Get("result"); res.Exists() {
				result = json.RawMessage(res.Raw)
			}
			c.tracker.HandleResponse(msg.Get("id").Int(), result, rpcErr)

		case msg.Get("method").String() == "streamNotify":
			params := msg.Get("params")
			c.cfg.Emit(Event{
				Tag:    c.cfg.Tag,
				Kind:   EventStream,
				Stream: params.Get("streamId").String(),
				Params: json.RawMessage(params.Raw),
			})

		default:
			log.Debug("Ignoring unrecognized vm service message", "session", c.cfg.Tag)
		}
	}
}

// Call sends one JSON-RPC request and waits for its response under a bound.
//
// Parameters:
//   - ctx: Context for cancellation.
//   - method: The RPC method name.
//   - params: RPC parameters; may be nil.
//   - bound: Maximum time to wait for the response.
//
// Returns:
//   - json.RawMessage: The response result.
//   - error: ErrConnectionLost when not connected, timeout or remote errors.
func (c *Client) Call(ctx context.Context, method string, params any, bound time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionLost
	}

	id, ch := c.tracker.Register()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.tracker.HandleResponse(id, nil, err)
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.tracker.HandleResponse(id, nil, writeErr)
		return nil, fmt.Errorf("failed to write %s request: %w", method, writeErr)
	}

	return c.tracker.Await(ctx, id, ch, bound)
}

// MainIsolateID returns the main isolate id for the current connection,
// fetching and caching it on first use. The cache is invalidated on every
// (re)connect, so an id from a previous connection generation is never
// returned.
//
// Parameters:
//   - ctx: Context for cancellation.
//
// Returns:
//   - string: The isolate id.
//   - error: Any request failure.
func (c *Client) MainIsolateID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.isolateID
	gen := c.generation
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	result, err := c.Call(ctx, "getVM", nil, c.cfg.RequestTimeout)
	if err != nil {
		return "", fmt.Errorf("getVM failed: %w", err)
	}
	id := gjson.GetBytes(result, "isolates.0.id").String()
	if id == "" {
		return "", fmt.Errorf("vm reports no isolates")
	}

	c.mu.Lock()
	// Only cache if the connection has not turned over underneath us.
	if c.generation == gen {
		c.isolateID = id
	}
	c.mu.Unlock()
	return id, nil
}

// MemoryUsage fetches heap usage for the main isolate.
//
// Returns:
//   - uint64: Heap bytes in use.
//   - uint64: Heap capacity in bytes.
//   - error: Any request failure.
func (c *Client) MemoryUsage(ctx context.Context) (uint64, uint64, error) {
	isolate, err := c.MainIsolateID(ctx)
	if err != nil {
		return 0, 0, err
	}
	result, err := c.Call(ctx, "getMemoryUsage", map[string]any{"isolateId": isolate}, c.cfg.RequestTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("getMemoryUsage failed: %w", err)
	}
	return gjson.GetBytes(result, "heapUsage").Uint(), gjson.GetBytes(result, "heapCapacity").Uint(), nil
}

// ping issues the liveness probe. getVersion is cheap and side-effect free.
func (c *Client) ping(ctx context.Context) error {
	_, err := c.Call(ctx, "getVersion", nil, c.cfg.HeartbeatInterval)
	return err
}

// teardown closes the connection and clears per-connection state.
func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.isolateID = ""
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// transition records a state change and emits it.
func (c *Client) transition(state ConnState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.cfg.Emit(Event{Tag: c.cfg.Tag, Kind: EventStateChanged, State: state, Err: err})
}
