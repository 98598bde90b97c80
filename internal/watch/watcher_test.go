package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectBatches(t *testing.T, roots []string, debounce time.Duration) (chan Batch, context.CancelFunc) {
	t.Helper()
	batches := make(chan Batch, 16)
	w, err := New(Config{
		Roots:      roots,
		Extensions: []string{".dart"},
		Debounce:   debounce,
		Emit:       func(b Batch) { batches <- b },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return batches, cancel
}

func waitBatch(t *testing.T, batches chan Batch) Batch {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change batch")
		return Batch{}
	}
}

func TestWatcher_BatchesBurstIntoOneEmit(t *testing.T) {
	dir := t.TempDir()
	batches, _ := collectBatches(t, []string{dir}, 200*time.Millisecond)

	// A burst of writes inside the quiet period lands in a single batch.
	for _, name := range []string{"main.dart", "app.dart", "main.dart"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("void main() {}"), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	b := waitBatch(t, batches)
	if len(b.Paths) == 0 || len(b.Paths) > 2 {
		t.Fatalf("batch has %d paths, want 1-2 deduplicated files", len(b.Paths))
	}

	select {
	case extra := <-batches:
		t.Fatalf("unexpected second batch: %v", extra.Paths)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_FiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	batches, _ := collectBatches(t, []string{dir}, 100*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case b := <-batches:
		t.Fatalf("non-source change produced a batch: %v", b.Paths)
	case <-time.After(400 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "main.dart"), []byte("x"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	b := waitBatch(t, batches)
	if len(b.Paths) != 1 || filepath.Base(b.Paths[0]) != "main.dart" {
		t.Fatalf("batch = %v, want [main.dart]", b.Paths)
	}
}

func TestWatcher_SeesFilesInNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	batches, _ := collectBatches(t, []string{dir}, 100*time.Millisecond)

	sub := filepath.Join(dir, "widgets")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(300 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "button.dart"), []byte("x"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	b := waitBatch(t, batches)
	found := false
	for _, p := range b.Paths {
		if filepath.Base(p) == "button.dart" {
			found = true
		}
	}
	if !found {
		t.Fatalf("batch %v does not contain button.dart", b.Paths)
	}
}

func TestWatcher_MissingRootIsNotFatal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	w, err := New(Config{Roots: []string{missing}, Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New with missing root failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
}
