package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeKind represents the type of file system change
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "change"
	ChangeDelete ChangeKind = "delete"
)

// Change is one filesystem event that survived debouncing
type Change struct {
	Path string
	Kind ChangeKind
}

// Batch is the ordered set of changes collapsed within one debounce window.
// Ephemeral: consumed by exactly one restart cycle.
type Batch []Change

// Callback receives one batch per quiet period. The watcher never invokes
// it concurrently with itself.
type Callback func(batch Batch)

// Config holds watcher configuration
type Config struct {
	Paths    []string
	Debounce time.Duration
	OnBatch  Callback
	Logger   zerolog.Logger
}

// Watcher monitors filesystem paths and delivers debounced change batches
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    []string
	debounce time.Duration
	onBatch  Callback
	logger   zerolog.Logger

	mu      sync.Mutex
	pending Batch
	seen    map[Change]bool
	timer   *time.Timer

	// Held across every callback invocation so batches never overlap
	callbackMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new change watcher
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	return &Watcher{
		watcher:  fsw,
		paths:    cfg.Paths,
		debounce: cfg.Debounce,
		onBatch:  cfg.OnBatch,
		logger:   cfg.Logger.With().Str("component", "watcher").Logger(),
		seen:     make(map[Change]bool),
		done:     make(chan struct{}),
	}, nil
}

// Start starts watching the configured paths
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		if err := w.addRecursive(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go w.eventLoop()

	w.logger.Info().Strs("paths", w.paths).Dur("debounce", w.debounce).Msg("Change watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = nil
	clear(w.seen)
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Change watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	var kind ChangeKind
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		kind = ChangeAdd
		// New directories join the watch set
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		kind = ChangeModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		kind = ChangeDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// The new name will arrive as a create event
		kind = ChangeDelete
	default:
		return
	}

	w.collect(Change{Path: event.Name, Kind: kind})
}

// collect folds a change into the pending batch and (re)arms the quiet
// period timer
func (w *Watcher) collect(change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seen[change] {
		w.seen[change] = true
		w.pending = append(w.pending, change)
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush hands the accumulated batch to the callback
func (w *Watcher) flush() {
	select {
	case <-w.done:
		return
	default:
	}

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	clear(w.seen)
	w.mu.Unlock()

	if len(batch) == 0 || w.onBatch == nil {
		return
	}

	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.onBatch(batch)
}

// addRecursive adds a path and all its subdirectories to the watcher
func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if w.shouldIgnore(walkPath) {
			if info != nil && info.IsDir() && walkPath != filepath.Clean(path) {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if err := w.watcher.Add(walkPath); err != nil {
				w.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to watch path")
			}
		}

		return nil
	})
}

// shouldIgnore checks if a path should be ignored
func (w *Watcher) shouldIgnore(path string) bool {
	parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	for _, part := range parts {
		if len(part) > 1 && part[0] == '.' {
			return true
		}
	}

	if strings.Contains(path, "node_modules") {
		return true
	}

	return false
}
