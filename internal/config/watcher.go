package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// ConfigWatcher watches configuration files for changes
type ConfigWatcher struct {
	logger   *zap.Logger
	path     string
	watcher  *fsnotify.Watcher
	onChange func()

	mu      sync.Mutex
	running bool
	done    chan struct{}

	// Debouncing
	debounce time.Duration
	timer    *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(logger *zap.Logger, configPath string, debounce time.Duration) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &ConfigWatcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  watcher,
		debounce: debounce,
	}, nil
}

// Start watches the directory holding the config file, so saves that
// replace the file by rename are seen too.
func (cw *ConfigWatcher) Start(onChange func()) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.onChange = onChange
	cw.running = true
	cw.done = make(chan struct{})

	go cw.handleEvents(cw.done)

	cw.logger.Info("Configuration watcher started",
		zap.String("path", cw.path),
	)

	return nil
}

// Stop stops the configuration watcher and cancels a pending reload
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	if cw.timer != nil {
		cw.timer.Stop()
	}
	done := cw.done
	cw.mu.Unlock()

	cw.watcher.Close()
	<-done

	cw.logger.Info("Configuration watcher stopped")
}

// IsRunning returns whether the watcher is running
func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	return cw.running
}

// handleEvents handles file system events
func (cw *ConfigWatcher) handleEvents(done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}

			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				cw.logger.Debug("Config file changed",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				cw.scheduleReload()

			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// A rename-based save is followed by a Create
				cw.logger.Debug("Config file moved away",
					zap.String("path", event.Name),
				)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// scheduleReload schedules a configuration reload with debouncing
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}

	cw.timer = time.AfterFunc(cw.debounce, func() {
		cw.mu.Lock()
		running := cw.running
		onChange := cw.onChange
		cw.mu.Unlock()

		if !running || onChange == nil {
			return
		}

		cw.logger.Info("Reloading configuration",
			zap.String("path", cw.path),
		)
		onChange()
	})
}
