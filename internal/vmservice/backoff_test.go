package vmservice

import (
	"testing"
	"time"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,  // attempt 1
		2 * time.Second,  // attempt 2
		4 * time.Second,  // attempt 3
		8 * time.Second,  // attempt 4
		16 * time.Second, // attempt 5
		30 * time.Second, // attempt 6 (2^5 = 32s, capped)
		30 * time.Second, // attempt 7
	}
	for i, expected := range want {
		attempt := i + 1
		if got := Backoff(attempt, base, max); got != expected {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoff_ClampsInvalidAttempt(t *testing.T) {
	if got := Backoff(0, time.Second, 30*time.Second); got != time.Second {
		t.Fatalf("Backoff(0) = %v, want 1s", got)
	}
	if got := Backoff(-5, time.Second, 30*time.Second); got != time.Second {
		t.Fatalf("Backoff(-5) = %v, want 1s", got)
	}
}

func TestHeartbeatMonitor_TripsAtThreshold(t *testing.T) {
	m := newHeartbeatMonitor(3)

	if m.RecordFailure() {
		t.Fatal("monitor tripped after 1 failure, threshold is 3")
	}
	if m.RecordFailure() {
		t.Fatal("monitor tripped after 2 failures, threshold is 3")
	}
	if !m.RecordFailure() {
		t.Fatal("monitor did not trip at 3 failures")
	}
	if m.Misses() != 3 {
		t.Fatalf("misses = %d, want 3", m.Misses())
	}
}

func TestHeartbeatMonitor_SuccessResetsCounter(t *testing.T) {
	m := newHeartbeatMonitor(3)

	m.RecordFailure()
	m.RecordFailure()
	if m.Misses() != 2 {
		t.Fatalf("misses = %d, want 2", m.Misses())
	}

	// A single success resets the count to zero; the reset is observable
	// because the threshold is greater than one.
	m.RecordSuccess()
	if m.Misses() != 0 {
		t.Fatalf("misses after success = %d, want 0", m.Misses())
	}

	// The full threshold is required again after a reset.
	m.RecordFailure()
	m.RecordFailure()
	if m.Misses() != 2 {
		t.Fatalf("misses = %d, want 2", m.Misses())
	}
	if !m.RecordFailure() {
		t.Fatal("monitor did not trip after reset + threshold failures")
	}
}
