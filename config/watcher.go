package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last file event before a
// reload.
const DefaultDebounce = 500 * time.Millisecond

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches a configuration file and reloads it on change
type Watcher struct {
	configFile string
	loader     *Loader
	logger     *zap.Logger
	debounce   time.Duration

	config   *Config
	configMu sync.RWMutex

	fsWatcher *fsnotify.Watcher

	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for reload events
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets the reload debounce period
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher and loads the initial configuration
func NewWatcher(configFile string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if _, err := formatOf(configFile); err != nil {
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}

	config, err := loader.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		configFile: filepath.Clean(configFile),
		loader:     loader,
		logger:     zap.L(),
		debounce:   DefaultDebounce,
		config:     config,
		fsWatcher:  fsWatcher,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("config")

	return w, nil
}

// Start starts watching the configuration file.
//
// The parent directory is watched so that editors replacing the file by
// rename are still observed.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.cancel()
		w.stopErr = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return w.stopErr
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					w.logger.Warn("config file removed or renamed", zap.String("file", w.configFile))
				}
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if w.ctx.Err() != nil {
					return
				}
				if err := w.reloadConfig(); err != nil {
					w.logger.Error("failed to reload config", zap.Error(err))
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// reloadConfig reloads the configuration from file. An invalid file keeps
// the current configuration.
func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.notifyCallbacks(oldConfig, newConfig)

	w.logger.Info("configuration reloaded", zap.String("file", w.configFile))
	return nil
}

// notifyCallbacks runs the callbacks in registration order
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config change callback panicked", zap.Any("panic", r))
				}
			}()
			cb(oldConfig, newConfig)
		}()
	}
}
