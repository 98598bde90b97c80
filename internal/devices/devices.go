// Package devices lists the targets the dev tool can run on.
package devices

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hangar-dev/hangar/internal/session"
)

// listTimeout bounds the one-shot device query. Device discovery can be slow
// when simulators are cold.
const listTimeout = 30 * time.Second

// List queries the tool for connected devices.
//
// Parameters:
//   - ctx: Context for cancellation.
//   - command: The tool executable (e.g. "flutter").
//   - workDir: Directory to run the query in.
//
// Returns:
//   - []session.Device: The connected devices.
//   - error: Any error running or parsing the query.
func List(ctx context.Context, command, workDir string) ([]session.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, "devices", "--machine")
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("device query failed: %s: %w", msg, err)
		}
		return nil, fmt.Errorf("device query failed: %w", err)
	}

	return Parse(stdout.Bytes())
}

// Parse decodes the tool's JSON device list.
//
// Parameters:
//   - data: The raw query output. Leading non-JSON noise is tolerated.
//
// Returns:
//   - []session.Device: The decoded devices.
//   - error: Error when no JSON array is present.
func Parse(data []byte) ([]session.Device, error) {
	// Some tool versions print progress lines before the array; start at the
	// first bracket.
	idx := bytes.IndexByte(data, '[')
	if idx < 0 {
		return nil, fmt.Errorf("device query produced no JSON output")
	}

	parsed := gjson.ParseBytes(data[idx:])
	if !parsed.IsArray() {
		return nil, fmt.Errorf("device query output is not a JSON array")
	}

	var out []session.Device
	for _, entry := range parsed.Array() {
		out = append(out, session.Device{
			ID:       entry.Get("id").String(),
			Name:     entry.Get("name").String(),
			Platform: entry.Get("targetPlatform").String(),
		})
	}
	return out, nil
}
