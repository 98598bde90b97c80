// Package protocol implements the line-delimited control protocol spoken with
// a supervised dev-tool subprocess, plus the request tracker that correlates
// outgoing requests with their asynchronous responses.
//
// Each protocol line is a JSON array containing a single object. The object is
// a request (method + id + params), a response (id + result-or-error), or an
// unsolicited event (event name + params, no id). Anything else on the stream
// is ordinary tool output and is passed through untouched.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FrameKind classifies a parsed protocol frame.
type FrameKind int

const (
	// KindRequest is a frame carrying a method, an id, and params.
	KindRequest FrameKind = iota

	// KindResponse is a frame carrying an id and a result or error.
	KindResponse

	// KindEvent is an unsolicited frame carrying an event name and params.
	KindEvent
)

// Frame is one decoded protocol frame.
type Frame struct {
	// Kind classifies the frame.
	Kind FrameKind

	// ID is the request/response correlation id. Only meaningful for
	// KindRequest and KindResponse.
	ID int64

	// Method is the request method name (KindRequest only).
	Method string

	// Event is the event name (KindEvent only).
	Event string

	// Params holds the request or event parameters as raw JSON.
	Params json.RawMessage

	// Result holds a successful response payload as raw JSON.
	Result json.RawMessage

	// Error holds the error payload of a failed response as raw JSON.
	Error json.RawMessage
}

// ParseLine decodes one line from the subprocess stream.
//
// Lines that do not look like protocol frames (anything that is not a JSON
// array) are not an error: they are ordinary tool output, and ParseLine
// reports them with ok=false and a nil error. A line that looks like a frame
// but cannot be decoded returns an error; the caller logs it and drops the
// single line without terminating the stream.
//
// Parameters:
//   - line: One line of subprocess output, without the trailing newline.
//
// Returns:
//   - *Frame: The decoded frame, or nil when the line is not a frame.
//   - bool: Whether the line was a protocol frame.
//   - error: Decode error for malformed frame lines.
func ParseLine(line string) (*Frame, bool, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false, nil
	}

	parsed := gjson.Parse(trimmed)
	if !parsed.IsArray() {
		return nil, true, fmt.Errorf("frame is not a JSON array")
	}
	items := parsed.Array()
	if len(items) != 1 || !items[0].IsObject() {
		return nil, true, fmt.Errorf("frame must contain exactly one object")
	}
	obj := items[0]

	frame := &Frame{}
	if params := obj.Get("params"); params.Exists() {
		frame.Params = json.RawMessage(params.Raw)
	}

	switch {
	case obj.Get("event").Exists():
		frame.Kind = KindEvent
		frame.Event = obj.Get("event").String()
	case obj.Get("method").Exists():
		frame.Kind = KindRequest
		frame.ID = obj.Get("id").Int()
		frame.Method = obj.Get("method").String()
	case obj.Get("id").Exists():
		frame.Kind = KindResponse
		frame.ID = obj.Get("id").Int()
		if result := obj.Get("result"); result.Exists() {
			frame.Result = json.RawMessage(result.Raw)
		}
		if errObj := obj.Get("error"); errObj.Exists() {
			frame.Error = json.RawMessage(errObj.Raw)
		}
	default:
		return nil, true, fmt.Errorf("frame has no event, method, or id")
	}

	return frame, true, nil
}

// BuildRequest encodes an outgoing request frame as a single protocol line.
//
// Parameters:
//   - id: The correlation id allocated by the Tracker.
//   - method: The request method name.
//   - params: Request parameters; marshalled to JSON when non-nil.
//
// Returns:
//   - []byte: The encoded frame, without a trailing newline.
//   - error: Any encoding error.
func BuildRequest(id int64, method string, params any) ([]byte, error) {
	out, err := sjson.Set(`[{}]`, "0.id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to set request id: %w", err)
	}
	out, err = sjson.Set(out, "0.method", method)
	if err != nil {
		return nil, fmt.Errorf("failed to set request method: %w", err)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request params: %w", err)
		}
		out, err = sjson.SetRaw(out, "0.params", string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to set request params: %w", err)
		}
	}
	return []byte(out), nil
}
