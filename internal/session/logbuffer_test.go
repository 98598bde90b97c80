package session

import (
	"fmt"
	"testing"
)

func TestLogBuffer_EvictsOldestAtCapacity(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	got := b.Lines()
	want := []string{"line 3", "line 4", "line 5"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLogBuffer_Tail(t *testing.T) {
	b := NewLogBuffer(10)
	for i := 1; i <= 4; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}

	tail := b.Tail(2)
	if len(tail) != 2 || tail[0] != "line 3" || tail[1] != "line 4" {
		t.Fatalf("Tail(2) = %v, want [line 3, line 4]", tail)
	}
	if got := b.Tail(100); len(got) != 4 {
		t.Fatalf("Tail(100) returned %d lines, want 4", len(got))
	}
	if got := b.Tail(0); got != nil {
		t.Fatalf("Tail(0) = %v, want nil", got)
	}
}
