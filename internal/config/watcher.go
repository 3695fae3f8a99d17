package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher monitors the config file and delivers freshly loaded configs to
// callbacks. Hot-reloadable tunables (defaults, approval rules, log level)
// take effect on the next turn; credentials and listen addresses require a
// restart.
type Watcher struct {
	configFile  string
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
}

// NewWatcher creates a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config) (*Watcher, error) {
	if cfg.ConfigFile == "" {
		return nil, fmt.Errorf("config has no file path to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		configFile: cfg.ConfigFile,
		watcher:    fw,
		stopCh:     make(chan struct{}),
	}, nil
}

// AddCallback registers a function to receive each reloaded config.
func (w *Watcher) AddCallback(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The config directory is watched rather than the
// file so editors that replace-by-rename keep triggering reloads.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	if stat, err := os.Stat(w.configFile); err == nil {
		w.lastModTime = stat.ModTime()
	}

	if err := w.watcher.Add(filepath.Dir(w.configFile)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			// Debounce rapid save sequences into one reload.
			debounceTimer.Stop()
			debounceTimer = time.AfterFunc(reloadDebounce, w.handleConfigChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Name != w.configFile {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) handleConfigChange() {
	stat, err := os.Stat(w.configFile)
	if err != nil {
		// Removed or mid-rename; the next event retries.
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	w.reload()
}

// TriggerReload forces a reload outside the file-event path.
func (w *Watcher) TriggerReload() {
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(filepath.Dir(w.configFile))
	if err != nil {
		logrus.WithError(err).Error("Failed to reload configuration")
		return
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Error("Reloaded configuration is invalid, keeping previous")
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
	logrus.Info("Configuration reloaded")
}
