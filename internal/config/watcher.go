package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"smartgate/pkg/logging"
)

const defaultDebounceInterval = 500 * time.Millisecond

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(cfg Config)

// Watcher reloads config.yaml when it changes on disk.
//
// The directory is watched rather than the file so that editors and config
// management tools that replace the file by rename are picked up. Events are
// debounced; only configurations that pass Validate are delivered.
type Watcher struct {
	mu sync.Mutex

	configPath       string
	lookup           LookupFunc
	onReload         ReloadFunc
	debounceInterval time.Duration

	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for configPath/config.yaml.
func NewWatcher(configPath string, lookup LookupFunc, onReload ReloadFunc) *Watcher {
	return &Watcher{
		configPath:       configPath,
		lookup:           lookup,
		onReload:         onReload,
		debounceInterval: defaultDebounceInterval,
	}
}

// Start begins watching. It returns immediately; events are processed in a
// goroutine until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.configPath); err != nil {
		_ = fw.Close()
		return err
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.running = true

	go w.processEvents(ctx, fw, w.stopCh)

	logging.Info("Config", "Watching %s for configuration changes", w.configPath)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	_ = w.watcher.Close()
	w.running = false
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, stopCh chan struct{}) {
	target := ConfigFilePath(w.configPath)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logging.Error("Config", err, "Configuration watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceInterval, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfigWithEnv(w.configPath, w.lookup)
	if err != nil {
		logging.Error("Config", err, "Reload failed, keeping previous configuration")
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Warn("Config", "Reloaded configuration is invalid, keeping previous: %v", err)
		return
	}
	logging.Info("Config", "Configuration reloaded from %s", ConfigFilePath(w.configPath))
	w.onReload(cfg)
}
