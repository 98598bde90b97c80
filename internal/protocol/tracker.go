package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrRequestTimedOut is returned when no response arrived within the bound
// given to Await. The request entry is removed; a response that shows up later
// is dropped harmlessly.
var ErrRequestTimedOut = errors.New("request timed out")

// Response is the terminal outcome of one tracked request.
type Response struct {
	// Result is the response payload on success.
	Result json.RawMessage

	// Err is set when the peer answered with an error object.
	Err error
}

// RemoteError wraps an error object returned by the peer in a response frame.
type RemoteError struct {
	// Payload is the raw error object from the response.
	Payload json.RawMessage
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", string(e.Payload))
}

// pendingRequest is one outstanding request awaiting its response.
type pendingRequest struct {
	// ch is the single-use channel the response is delivered on. Buffered so
	// resolving never blocks the reader goroutine.
	ch chan Response

	// createdAt records when the request was registered.
	createdAt time.Time
}

// Tracker correlates outgoing protocol requests with their asynchronous
// responses. Ids are monotonic and unique while outstanding; each entry is
// consumed exactly once, by either a matching response or a timeout.
type Tracker struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
}

// NewTracker creates an empty request tracker.
func NewTracker() *Tracker {
	return &Tracker{
		nextID:  1,
		pending: make(map[int64]*pendingRequest),
	}
}

// Register allocates a fresh request id and its single-use response channel.
// The id is embedded in the outgoing frame by the caller; the channel is
// resolved by HandleResponse or abandoned by Await's timeout path.
//
// Returns:
//   - int64: The allocated request id.
//   - <-chan Response: The channel the response will be delivered on.
func (t *Tracker) Register() (int64, <-chan Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	req := &pendingRequest{
		ch:        make(chan Response, 1),
		createdAt: time.Now(),
	}
	t.pending[id] = req
	return id, req.ch
}

// Await blocks until the response for id arrives, the bound elapses, or the
// context is cancelled. On timeout or cancellation the pending entry is
// removed so a late response is dropped instead of leaking.
//
// Parameters:
//   - ctx: Context for cancellation.
//   - id: The request id returned by Register.
//   - ch: The response channel returned by Register.
//   - bound: Maximum time to wait.
//
// Returns:
//   - json.RawMessage: The response payload on success.
//   - error: ErrRequestTimedOut, the context error, or the peer's error.
func (t *Tracker) Await(ctx context.Context, id int64, ch <-chan Response, bound time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil
	case <-timer.C:
		t.remove(id)
		return nil, fmt.Errorf("request %d: %w", id, ErrRequestTimedOut)
	case <-ctx.Done():
		t.remove(id)
		return nil, ctx.Err()
	}
}

// HandleResponse resolves the pending request for id and removes it. Unknown
// ids (late responses, already timed out, never registered) are logged at
// debug level and ignored; this is a normal occurrence, not an error.
//
// Parameters:
//   - id: The response correlation id.
//   - result: The response payload, nil when the peer reported an error.
//   - rpcErr: The peer's error payload, nil on success.
func (t *Tracker) HandleResponse(id int64, result json.RawMessage, rpcErr error) {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		log.Debug("Dropping response for unknown request id", "id", id)
		return
	}

	// Buffered channel: the single send never blocks and never double-fires
	// because the entry was removed above.
	req.ch <- Response{Result: result, Err: rpcErr}
}

// FailAll resolves every outstanding request with err. Used when the
// underlying transport is lost so callers unblock immediately instead of
// waiting out their bounds.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	for _, req := range pending {
		req.ch <- Response{Err: err}
	}
}

// PendingCount reports how many requests are outstanding.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// remove deletes the pending entry for id if still present.
func (t *Tracker) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}
