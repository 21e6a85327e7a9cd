package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a workspace's config file for edits and reloads the
// merged configuration whenever it settles, debouncing rapid successive
// writes from editors that truncate-then-rewrite.
type Watcher struct {
	workspaceRoot string
	overrides     map[string]any
	warn          func(string)
	onReload      func(Config, error)

	watcher     *fsnotify.Watcher
	debounceDur time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher builds a Watcher that reloads via Load(workspaceRoot,
// overrides, warn) and reports every reload (success or failure) to
// onReload.
func NewWatcher(workspaceRoot string, overrides map[string]any, warn func(string), onReload func(Config, error)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		workspaceRoot: workspaceRoot,
		overrides:     overrides,
		warn:          warn,
		onReload:      onReload,
		watcher:       watcher,
		debounceDur:   300 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start begins watching the workspace config directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	watchDir := filepath.Join(w.workspaceRoot, repoConfigDirName)
	if err := w.watcher.Add(watchDir); err != nil {
		// Directory may not exist yet; the workspace config layer is
		// optional, so a missing directory is not fatal to the watcher.
		emitWarning(w.warn, "config watch directory unavailable: "+err.Error())
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending bool
	debounce := time.NewTimer(time.Hour)
	defer debounce.Stop()
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != userConfigFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(w.debounceDur)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			emitWarning(w.warn, "config watch error: "+err.Error())
		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := Load(w.workspaceRoot, w.overrides, w.warn)
			if w.onReload != nil {
				w.onReload(cfg, err)
			}
		}
	}
}
