package simulator

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 100 * time.Millisecond

// FixtureWatcher reloads a fixture file into a Simulator whenever it changes
// on disk. A fixture that fails to parse is logged and the previous graph is
// kept.
type FixtureWatcher struct {
	sim      *Simulator
	path     string
	onReload func()
	logger   homekit.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	reloads atomic.Int64
}

// WatchFixture starts watching path and swaps the simulator graph on every
// change. onReload (may be nil) runs on the watcher goroutine after a
// successful swap.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename keep being tracked.
func WatchFixture(sim *Simulator, path string, onReload func(), logger homekit.Logger) (*FixtureWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving fixture path: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fixture watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &FixtureWatcher{
		sim:      sim,
		path:     abs,
		onReload: onReload,
		logger:   logger,
		debounce: DefaultWatchDebounce,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Reloads returns how many times the graph has been swapped.
func (w *FixtureWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Stop ends the watch and waits for the goroutine to exit. Safe to call more
// than once.
func (w *FixtureWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
	})
	return err
}

func (w *FixtureWatcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fixture watcher error", "path", w.path, "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *FixtureWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}

func (w *FixtureWatcher) reload() {
	g, err := LoadFixture(w.path)
	if err != nil {
		w.logger.Warn("fixture reload failed, keeping previous graph", "path", w.path, "error", err)
		return
	}
	w.sim.ReplaceGraph(g)
	n := w.reloads.Add(1)
	w.logger.Info("fixture reloaded", "path", w.path, "reloads", n)
	if w.onReload != nil {
		w.onReload()
	}
}
