package config

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns the live configuration. It reloads the file on change and
// tells subscribers about every configuration that passed validation.
type Manager struct {
	loggerMu   sync.RWMutex
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex
	loadMu   sync.Mutex

	validator *Validator
	envLoader *EnvLoader
	overrides []func(*Config)
	debounce  time.Duration

	watcherMu sync.Mutex
	watcher   *ConfigWatcher

	onChangeCallbacks []func(*Config)
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithOverrides registers functions applied after the file and environment
// on every load. CLI flags use this so they survive hot reloads.
func WithOverrides(fns ...func(*Config)) ManagerOption {
	return func(m *Manager) {
		m.overrides = append(m.overrides, fns...)
	}
}

// WithEnvPrefix replaces the SUPERVISOR environment prefix.
func WithEnvPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		m.envLoader = NewEnvLoader(prefix)
	}
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.debounce = d
	}
}

// NewManager creates a manager and performs the initial load.
func NewManager(logger *zap.Logger, configPath string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		validator:  NewValidator(),
		envLoader:  NewEnvLoader(EnvPrefix),
		debounce:   DefaultDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}

	return m, nil
}

// SetLogger replaces the logger used for reload reporting. The initial load
// usually happens before logging is set up.
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.loggerMu.Lock()
	defer m.loggerMu.Unlock()
	m.logger = logger.Named("config")
}

func (m *Manager) log() *zap.Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Path returns the watched config file.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the file, applies environment and override layers, validates
// and swaps the result in. On error the current configuration is kept.
func (m *Manager) Load() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	cfg, err := read(m.configPath)
	if err != nil {
		return err
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	for _, fn := range m.overrides {
		fn(cfg)
	}

	if err := m.validator.Validate(cfg); err != nil {
		return err
	}

	m.configMu.Lock()
	m.config = cfg
	callbacks := slices.Clone(m.onChangeCallbacks)
	m.configMu.Unlock()

	for _, callback := range callbacks {
		callback(cfg.Clone())
	}

	m.log().Debug("Configuration loaded", zap.String("path", m.configPath))
	return nil
}

// Save writes the current configuration to the managed path.
func (m *Manager) Save() error {
	if err := Save(m.configPath, m.Get()); err != nil {
		return err
	}

	m.log().Info("Configuration saved", zap.String("path", m.configPath))
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	return m.config.Clone()
}

// OnChange registers a callback run after every successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.onChangeCallbacks = append(m.onChangeCallbacks, callback)
}

// StartWatcher reloads the configuration whenever the file changes.
func (m *Manager) StartWatcher() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if m.watcher != nil {
		return nil
	}

	watcher, err := NewConfigWatcher(m.log(), m.configPath, m.debounce)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	err = watcher.Start(func() {
		if err := m.Load(); err != nil {
			m.log().Error("Failed to hot-reload configuration, keeping current", zap.Error(err))
		}
	})
	if err != nil {
		watcher.watcher.Close()
		return err
	}

	m.watcher = watcher
	return nil
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	m.watcherMu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.watcherMu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
}
