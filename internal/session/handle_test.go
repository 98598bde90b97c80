package session

import (
	"context"
	"testing"
	"time"
)

// startTask launches a goroutine that blocks until its context is cancelled
// and returns the Task tracking it.
func startTask(t *testing.T) Task {
	t.Helper()
	ctx, task := NewTask(context.Background())
	go func() {
		defer close(task.Done())
		<-ctx.Done()
	}()
	return task
}

func TestTask_ZeroValueStopIsNoop(t *testing.T) {
	var task Task
	if task.Active() {
		t.Fatal("zero task should be inactive")
	}
	task.Stop() // must not panic or block
}

func TestTask_StopWaitsForExit(t *testing.T) {
	ctx, task := NewTask(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(task.Done())
		<-ctx.Done()
		close(exited)
	}()

	task.Stop()
	select {
	case <-exited:
	default:
		t.Fatal("Stop returned before the goroutine exited")
	}
}

func TestHandle_StopAuxTasksIsIdempotent(t *testing.T) {
	h := NewHandle(newTestSession("dev"))
	h.AddAuxTask(startTask(t))
	h.AddAuxTask(startTask(t))
	if h.AuxTaskCount() != 2 {
		t.Fatalf("aux tasks = %d, want 2", h.AuxTaskCount())
	}

	h.StopAuxTasks()
	if h.AuxTaskCount() != 0 {
		t.Fatalf("aux tasks after stop = %d, want 0", h.AuxTaskCount())
	}

	// Repeat calls with nothing running must be no-ops.
	h.StopAuxTasks()
	h.StopAuxTasks()
	if h.AuxTaskCount() != 0 {
		t.Fatalf("aux tasks after repeated stop = %d, want 0", h.AuxTaskCount())
	}
}

func TestHandle_SwapVMTaskCancelsPrevious(t *testing.T) {
	h := NewHandle(newTestSession("dev"))

	first := startTask(t)
	if prev := h.SwapVMTask(first); prev.Active() {
		t.Fatal("swap into an empty slot returned an active task")
	}
	prev := h.SwapVMTask(startTask(t))
	if !prev.Active() {
		t.Fatal("swap did not return the previous task")
	}

	select {
	case <-prev.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replacing the vm task did not cancel the previous one")
	}

	h.StopAll()
}

func TestHandle_ReleaseAllCancelsWithoutWaiting(t *testing.T) {
	h := NewHandle(newTestSession("dev"))
	h.SwapVMTask(startTask(t))
	h.SwapStatsTask(startTask(t))
	h.AddAuxTask(startTask(t))
	h.AddAuxTask(startTask(t))

	released := h.ReleaseAll()
	if len(released) != 4 {
		t.Fatalf("released %d tasks, want 4", len(released))
	}
	if h.AuxTaskCount() != 0 {
		t.Fatalf("aux tasks after release = %d, want 0", h.AuxTaskCount())
	}
	for i, task := range released {
		select {
		case <-task.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("released task %d never exited after cancellation", i)
		}
	}

	// With every slot cleared, a second release finds nothing.
	if again := h.ReleaseAll(); len(again) != 0 {
		t.Fatalf("second release returned %d tasks, want 0", len(again))
	}
}

func TestHandle_StopAllIsIdempotent(t *testing.T) {
	h := NewHandle(newTestSession("dev"))
	h.SwapVMTask(startTask(t))
	h.SwapStatsTask(startTask(t))
	h.AddAuxTask(startTask(t))

	h.StopAll()
	h.StopAll()
}
