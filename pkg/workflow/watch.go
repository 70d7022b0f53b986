package workflow

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events an editor save tends to
// produce (write + chmod + rename-into-place) into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the effective Config whenever a tracked file in the
// project or user tier changes, and invokes OnChange with the new value.
// Grounded on the teacher's fsnotify-backed file provider watch loop.
type Watcher struct {
	opts     LoaderOptions
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	onChange func(*Config, error)

	mu        sync.Mutex
	timer     *time.Timer
	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching opts.ProjectDir and opts.UserDir for changes to
// the tier files. onChange fires on every debounced reload, with err set if
// the reload failed (the previously loaded Config, if any, remains in use by
// the caller).
func NewWatcher(opts LoaderOptions, logger *slog.Logger, onChange func(*Config, error)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{opts.ProjectDir, opts.UserDir} {
		if dir == "" {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			logger.Warn("workflow: not watching config directory", "dir", dir, "error", err)
		}
	}

	w := &Watcher{
		opts:     opts,
		logger:   logger,
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workflow: watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(path)
	for _, name := range tierFiles {
		if base == name {
			return true
		}
	}
	return false
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		cfg, err := Load(w.opts)
		w.onChange(cfg, err)
	})
}

// Close stops the underlying fsnotify watcher and the debounce goroutine.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	return w.fsw.Close()
}
