// Package config loads the supervisor's YAML configuration, applies
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/supervisor/internal/logging"
	"github.com/shizukutanaka/supervisor/internal/monitoring"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes every environment override, e.g. SUPERVISOR_WORKERS_COUNT.
const EnvPrefix = "SUPERVISOR"

// Config is the complete supervisor configuration
type Config struct {
	Server  ServerConfig             `yaml:"server"`
	Workers WorkersConfig            `yaml:"workers"`
	Monitor MonitorConfig            `yaml:"monitor"`
	Proxy   ProxyConfig              `yaml:"proxy"`
	API     APIConfig                `yaml:"api"`
	Metrics monitoring.MetricsConfig `yaml:"metrics"`
	Logging logging.Config           `yaml:"logging"`
}

// ServerConfig is the gateway listener
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkersConfig describes the worker pool
type WorkersConfig struct {
	Count    int    `yaml:"count"`
	BasePort int    `yaml:"base_port"`
	Host     string `yaml:"host"`
	// Command is the worker argv; {host} and {port} are substituted
	Command []string `yaml:"command"`
	LogDir  string   `yaml:"log_dir"`

	StartupGrace time.Duration `yaml:"startup_grace"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	KillWait     time.Duration `yaml:"kill_wait"`

	Restart      bool          `yaml:"restart"`
	RestartDelay time.Duration `yaml:"restart_delay"`

	LogRotation logging.RotationConfig `yaml:"log_rotation"`
}

// MonitorConfig controls the health monitor
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	SampleResources bool          `yaml:"sample_resources"`
}

// ProxyConfig controls request forwarding
type ProxyConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
}

// APIConfig controls the gateway middleware
type APIConfig struct {
	AllowOrigins      []string `yaml:"allow_origins"`
	AllowCredentials  bool     `yaml:"allow_credentials"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	RateLimit         float64  `yaml:"rate_limit"`
	RateBurst         int      `yaml:"rate_burst"`
}

// DefaultConfig returns the configuration the supervisor ships with.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:        2,
			BasePort:     9000,
			Host:         "127.0.0.1",
			Command:      []string{"optics", "serve", "--host", "{host}", "--port", "{port}"},
			LogDir:       ".",
			StartupGrace: 2 * time.Second,
			SettleDelay:  5 * time.Second,
			StopTimeout:  2 * time.Second,
			KillWait:     5 * time.Second,
			Restart:      false,
			RestartDelay: 5 * time.Second,
			LogRotation:  logging.DefaultRotation(),
		},
		Monitor: MonitorConfig{
			Interval:        2 * time.Second,
			SampleResources: true,
		},
		Proxy: ProxyConfig{
			Timeout:             90 * time.Second,
			DialTimeout:         10 * time.Second,
			MaxIdleConnsPerHost: 16,
		},
		API: APIConfig{
			AllowOrigins: []string{"*"},
		},
		Metrics: monitoring.DefaultMetricsConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Workers.Command = append([]string(nil), c.Workers.Command...)
	out.API.AllowOrigins = append([]string(nil), c.API.AllowOrigins...)
	return &out
}

// Load reads path over the defaults, applies SUPERVISOR_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := NewEnvLoader(EnvPrefix).Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML. The file is replaced atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary config file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set config file mode: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	return nil
}
