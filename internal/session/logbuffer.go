package session

// DefaultLogCapacity bounds per-session log retention.
const DefaultLogCapacity = 2000

// LogBuffer is a bounded ring of log lines. When full, appending evicts the
// oldest line. It is not safe for concurrent use; the engine serializes all
// access.
type LogBuffer struct {
	lines []string
	start int
	count int
}

// NewLogBuffer creates a buffer retaining at most capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when at capacity.
func (b *LogBuffer) Append(line string) {
	if b.count < len(b.lines) {
		b.lines[(b.start+b.count)%len(b.lines)] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % len(b.lines)
}

// Len returns the number of retained lines.
func (b *LogBuffer) Len() int {
	return b.count
}

// Lines returns the retained lines, oldest first.
func (b *LogBuffer) Lines() []string {
	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Tail returns up to n of the most recent lines, oldest first.
func (b *LogBuffer) Tail(n int) []string {
	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	first := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%len(b.lines)]
	}
	return out
}
