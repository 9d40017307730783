package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shizukutanaka/supervisor/internal/logging"
	"github.com/shizukutanaka/supervisor/internal/monitoring"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const maxPort = 65535

// Validator checks that a configuration is consistent before it is applied.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every section. Failures match ErrInvalidConfig.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("%w: server: %w", ErrInvalidConfig, err)
	}
	if err := v.validateWorkers(&cfg.Workers, &cfg.Server); err != nil {
		return fmt.Errorf("%w: workers: %w", ErrInvalidConfig, err)
	}
	if err := v.validateMonitor(&cfg.Monitor); err != nil {
		return fmt.Errorf("%w: monitor: %w", ErrInvalidConfig, err)
	}
	if err := v.validateProxy(&cfg.Proxy); err != nil {
		return fmt.Errorf("%w: proxy: %w", ErrInvalidConfig, err)
	}
	if err := v.validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("%w: api: %w", ErrInvalidConfig, err)
	}
	if err := v.validateMetrics(&cfg.Metrics); err != nil {
		return fmt.Errorf("%w: metrics: %w", ErrInvalidConfig, err)
	}
	if err := v.validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("%w: logging: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (v *Validator) validateServer(cfg *ServerConfig) error {
	// Port 0 asks the kernel for a free port
	if cfg.Port < 0 || cfg.Port > maxPort {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

func (v *Validator) validateWorkers(cfg *WorkersConfig, server *ServerConfig) error {
	if cfg.Count < 0 {
		return errors.New("count cannot be negative")
	}
	if cfg.BasePort < 1 || cfg.BasePort > maxPort {
		return fmt.Errorf("base_port %d out of range", cfg.BasePort)
	}
	if cfg.Count > 0 && cfg.BasePort+cfg.Count-1 > maxPort {
		return fmt.Errorf("ports %d-%d exceed %d", cfg.BasePort, cfg.BasePort+cfg.Count-1, maxPort)
	}
	if cfg.Count > 0 && server.Port >= cfg.BasePort && server.Port < cfg.BasePort+cfg.Count &&
		sameHost(cfg.Host, server.Host) {
		return fmt.Errorf("port range %d-%d overlaps the server port %d",
			cfg.BasePort, cfg.BasePort+cfg.Count-1, server.Port)
	}
	if cfg.Host == "" {
		return errors.New("host is required")
	}

	if len(cfg.Command) == 0 {
		return errors.New("command is required")
	}
	hasPort := false
	for _, arg := range cfg.Command {
		if strings.Contains(arg, "{port}") {
			hasPort = true
			break
		}
	}
	if !hasPort {
		return errors.New("command must contain a {port} placeholder")
	}

	if cfg.StartupGrace < 0 || cfg.SettleDelay < 0 || cfg.RestartDelay < 0 {
		return errors.New("delays cannot be negative")
	}
	if cfg.StopTimeout <= 0 {
		return errors.New("stop_timeout must be positive")
	}
	if cfg.KillWait <= 0 {
		return errors.New("kill_wait must be positive")
	}
	if cfg.LogRotation.MaxSize < 0 || cfg.LogRotation.MaxAge < 0 || cfg.LogRotation.MaxBackups < 0 {
		return errors.New("log_rotation values cannot be negative")
	}
	return nil
}

func (v *Validator) validateMonitor(cfg *MonitorConfig) error {
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

func (v *Validator) validateProxy(cfg *ProxyConfig) error {
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	if cfg.MaxIdleConnsPerHost < 0 {
		return errors.New("max_idle_conns_per_host cannot be negative")
	}
	return nil
}

func (v *Validator) validateAPI(cfg *APIConfig) error {
	if cfg.RateLimit < 0 {
		return errors.New("rate_limit cannot be negative")
	}
	if cfg.RateBurst < 0 {
		return errors.New("rate_burst cannot be negative")
	}
	return nil
}

func (v *Validator) validateMetrics(cfg *monitoring.MetricsConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("path %q must start with /", cfg.Path)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *logging.Config) error {
	if _, err := logging.ParseLevel(cfg.Level); err != nil {
		return err
	}
	switch cfg.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return nil
}

func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("port is required")
	}
	return nil
}

// sameHost reports whether two bind hosts can collide. Wildcard hosts
// collide with everything.
func sameHost(a, b string) bool {
	if isWildcard(a) || isWildcard(b) {
		return true
	}
	if a == b {
		return true
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	return ipA != nil && ipB != nil && ipA.Equal(ipB)
}

func isWildcard(host string) bool {
	switch host {
	case "", "0.0.0.0", "::":
		return true
	}
	return false
}
