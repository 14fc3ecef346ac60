package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/scanner"
)

// Watcher turns fsnotify events into debounced sync hints. The watcher is a
// hint source only: the periodic reconcile guarantees progress when events
// are lost, and watcher failure degrades the daemon to reconcile-only mode.
type Watcher struct {
	root     string
	debounce time.Duration
	emit     func(*scanner.Hint)

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	healthy bool
}

// NewWatcher creates a watcher that calls emit with coalesced hints.
func NewWatcher(root string, debounce time.Duration, emit func(*scanner.Hint)) *Watcher {
	return &Watcher{
		root:     root,
		debounce: debounce,
		emit:     emit,
		pending:  make(map[string]bool),
	}
}

// Healthy reports whether event delivery is operating.
func (w *Watcher) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// Run watches until ctx is done. Errors are logged and mark the watcher
// unhealthy rather than stopping the daemon.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("watcher unavailable, reconcile-only mode", "error", err)
		return
	}
	defer func() { _ = fsw.Close() }()

	if err := w.addRecursive(fsw, w.root); err != nil {
		slog.Warn("watcher setup failed, reconcile-only mode", "error", err)
		return
	}
	w.mu.Lock()
	w.healthy = true
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.setUnhealthy()
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				w.setUnhealthy()
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) setUnhealthy() {
	w.mu.Lock()
	w.healthy = false
	w.mu.Unlock()
}

// addRecursive registers every directory under root, skipping VCS metadata.
// Symlinked directories are not followed, which also breaks watch cycles.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	// New directories join the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			_ = w.addRecursive(fsw, ev.Name)
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	key, err := identity.PathKey(rel)
	if err != nil || strings.HasPrefix(key, ".git/") {
		return
	}

	w.mu.Lock()
	w.pending[key] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
	w.mu.Unlock()
}

// flush emits the coalesced hint after the debounce window closes.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	w.mu.Unlock()

	w.emit(&scanner.Hint{Paths: paths})
}
