package vmservice

import "time"

// Backoff returns the delay before the given 1-based reconnect attempt:
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// heartbeatMonitor counts consecutive liveness probe failures. The counter
// only moves up on failure and resets to zero on any success, so a reset is
// observable whenever the threshold is greater than one.
type heartbeatMonitor struct {
	threshold int
	misses    int
}

// newHeartbeatMonitor creates a monitor that trips at threshold consecutive
// failures.
func newHeartbeatMonitor(threshold int) *heartbeatMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &heartbeatMonitor{threshold: threshold}
}

// RecordFailure counts one failed probe and reports whether the threshold has
// been reached.
func (m *heartbeatMonitor) RecordFailure() bool {
	m.misses++
	return m.misses >= m.threshold
}

// RecordSuccess resets the consecutive-failure counter.
func (m *heartbeatMonitor) RecordSuccess() {
	m.misses = 0
}

// Misses returns the current consecutive-failure count.
func (m *heartbeatMonitor) Misses() int {
	return m.misses
}
