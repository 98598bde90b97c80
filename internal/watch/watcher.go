// Package watch provides recursive source file watching with debouncing.
//
// Changes are collected into batches: after a filesystem event matching the
// extension filter, the watcher waits for a quiet period before emitting, so
// a burst of saves produces one batch instead of one event per file.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Batch is one debounced set of changed files.
type Batch struct {
	// Paths are the changed file paths, deduplicated, in first-seen order.
	Paths []string
}

// Config configures a Watcher.
type Config struct {
	// Roots are the directories to watch recursively.
	Roots []string

	// Extensions filters events to files with these extensions (e.g.
	// ".dart"). Empty means all files.
	Extensions []string

	// Debounce is the quiet period before a batch is emitted.
	Debounce time.Duration

	// Emit receives each batch. Called from the watcher's goroutine.
	Emit func(Batch)
}

// Watcher watches directory trees and emits debounced change batches.
type Watcher struct {
	cfg Config
	fsw *fsnotify.Watcher
}

// New creates a watcher over the configured roots. Subdirectories existing at
// creation time are registered immediately; directories created later are
// picked up from their create events.
//
// Parameters:
//   - cfg: The watcher configuration
//
// Returns:
//   - *Watcher: The watcher, not yet running
//   - error: Any error registering the roots
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{cfg: cfg, fsw: fsw}
	for _, root := range cfg.Roots {
		if err := w.addTree(root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree registers root and every subdirectory under it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				// A configured root that doesn't exist yet is skipped, not
				// fatal. Common for freshly created projects.
				log.Debug("watch root missing, skipping", "root", root)
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// matches reports whether path passes the extension filter.
func (w *Watcher) matches(path string) bool {
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, want := range w.cfg.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// Run processes filesystem events until ctx is done. Matching events are
// accumulated and emitted as one Batch after the debounce quiet period.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending []string
		seen    = make(map[string]struct{})
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New directories join the watch set so nested creates are seen.
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						log.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if !w.matches(ev.Name) {
				continue
			}
			if _, dup := seen[ev.Name]; !dup {
				seen[ev.Name] = struct{}{}
				pending = append(pending, ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.cfg.Debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("file watcher error", "error", err)

		case <-timerC:
			if len(pending) > 0 && w.cfg.Emit != nil {
				w.cfg.Emit(Batch{Paths: pending})
			}
			pending = nil
			seen = make(map[string]struct{})
			timer = nil
			timerC = nil
		}
	}
}
