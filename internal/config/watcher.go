package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hospitalcore/gateway/internal/observability"
)

// ReloadCallback is invoked with the new configuration after a successful
// reload.
type ReloadCallback func(cfg *GatewayConfig)

// Watcher watches a configuration file and reloads it on change. Reloads
// that fail to parse or validate are logged and discarded; the previous
// configuration stays in effect.
type Watcher struct {
	path          string
	loader        *Loader
	callback      ReloadCallback
	errorCallback func(error)
	debounce      time.Duration
	logger        observability.Logger

	mu         sync.RWMutex
	lastConfig *GatewayConfig

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the delay used to coalesce bursts of file events.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets a callback invoked when a reload fails.
func WithErrorCallback(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = fn
	}
}

// NewWatcher creates a watcher for the given config file. The callback runs
// on the watcher goroutine after each successful reload.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:      path,
		loader:    NewLoader(),
		callback:  callback,
		debounce:  100 * time.Millisecond,
		logger:    observability.NopLogger(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w.watcher = fsw

	// Watch the directory rather than the file: editors and configmap
	// mounts replace the file, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return w, nil
}

// Start loads the configuration once and begins watching for changes.
func (w *Watcher) Start() error {
	cfg, err := w.reload()
	if err != nil {
		return err
	}
	w.setLastConfig(cfg)
	w.callback(cfg)

	go w.run()
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
	w.watcher.Close()
}

// GetLastConfig returns the most recently loaded valid configuration.
func (w *Watcher) GetLastConfig() *GatewayConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// ForceReload reloads the configuration immediately, bypassing the debounce.
func (w *Watcher) ForceReload() error {
	cfg, err := w.reload()
	if err != nil {
		return err
	}
	w.setLastConfig(cfg)
	w.callback(cfg)
	return nil
}

func (w *Watcher) run() {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
				debounceCh = debounceTimer.C
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}

		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			cfg, err := w.reload()
			if err != nil {
				w.logger.Error("config reload failed, keeping previous config",
					observability.String("path", w.path),
					observability.Error(err))
				if w.errorCallback != nil {
					w.errorCallback(err)
				}
				continue
			}
			w.logger.Info("config reloaded", observability.String("path", w.path))
			w.setLastConfig(cfg)
			w.callback(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", observability.Error(err))
		}
	}
}

func (w *Watcher) reload() (*GatewayConfig, error) {
	cfg, err := w.loader.LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Watcher) setLastConfig(cfg *GatewayConfig) {
	w.mu.Lock()
	w.lastConfig = cfg
	w.mu.Unlock()
}
