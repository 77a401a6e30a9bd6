package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/samfms/core/internal/logging"
)

// Watcher reloads the service configuration when the file on disk changes.
// A version that fails to parse or validate is dropped with a warning and
// the previous one stays in effect.
type Watcher struct {
	fsw      *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration

	mu      sync.Mutex
	subs    []func(*Config)
	pending *time.Timer

	fireMu sync.Mutex
}

// NewWatcher prepares a watcher for the given config file. Nothing is
// watched until Start.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		loader:   NewLoader(),
		path:     path,
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers fn to receive each successfully loaded config version.
// Callbacks run one at a time in file-change order.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Start begins delivering change notifications. The directory is watched
// rather than the file itself: atomic saves replace the file, and a watch
// on the old inode goes quiet after the first change.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop ends the watch. Registered callbacks are not called again.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			w.bump()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", zap.Error(err))
		}
	}
}

// bump arms or re-arms the debounce timer. An editor save or configmap
// remount produces a burst of events; only the last one matters.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()
		w.fire()
	})
}

func (w *Watcher) fire() {
	// Serialized so two bursts cannot deliver versions out of order.
	w.fireMu.Lock()
	defer w.fireMu.Unlock()

	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Warn("config file changed but did not load",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	logging.Info("config file reloaded", zap.String("path", w.path))
	for _, fn := range subs {
		fn(cfg)
	}
}
