// Package app wires configuration, the worker pool, the forwarding proxy, the
// gateway and the metrics exporter together and orders their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/api"
	"github.com/shizukutanaka/supervisor/internal/config"
	"github.com/shizukutanaka/supervisor/internal/logging"
	"github.com/shizukutanaka/supervisor/internal/monitoring"
	"github.com/shizukutanaka/supervisor/internal/proxy"
	"github.com/shizukutanaka/supervisor/internal/supervisor"
	"github.com/shizukutanaka/supervisor/internal/worker"
)

// Application is the running supervisor process
type Application struct {
	logger  *zap.Logger
	level   *zap.AtomicLevel
	manager *config.Manager

	cfgMu  sync.Mutex
	config *config.Config

	launcher supervisor.Launcher
	supOpts  []supervisor.Option

	metrics    *monitoring.MetricsExporter
	supervisor *supervisor.Supervisor
	proxy      *proxy.Proxy
	server     *api.Server

	stateMu sync.Mutex
	started bool
	stopped bool
}

// Option configures an Application
type Option func(*Application)

// WithConfigManager enables hot reload from the manager's file.
func WithConfigManager(m *config.Manager) Option {
	return func(a *Application) {
		a.manager = m
	}
}

// WithAtomicLevel lets a reload change the root logger's level.
func WithAtomicLevel(level zap.AtomicLevel) Option {
	return func(a *Application) {
		a.level = &level
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(l supervisor.Launcher) Option {
	return func(a *Application) {
		a.launcher = l
	}
}

// WithSupervisorOptions passes options through to the supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(a *Application) {
		a.supOpts = append(a.supOpts, opts...)
	}
}

// New builds every component from cfg. Nothing is started.
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	a := &Application{
		logger: logger,
		config: cfg.Clone(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.metrics = monitoring.NewMetricsExporter(logger, cfg.Metrics)

	if a.launcher == nil {
		rotation := cfg.Workers.LogRotation
		launcher := worker.NewLauncher(logger, worker.Config{
			Command:      cfg.Workers.Command,
			Host:         cfg.Workers.Host,
			StartupGrace: cfg.Workers.StartupGrace,
			WaitDelay:    cfg.Workers.StopTimeout,
		}, func(path string) (io.WriteCloser, error) {
			return logging.NewRotatingWriter(path, rotation)
		})
		a.launcher = supervisor.WorkerLauncher(launcher)
	}

	supOpts := append([]supervisor.Option{supervisor.WithMetricsCollector(a.metrics)}, a.supOpts...)
	a.supervisor = supervisor.New(logger, supervisorConfig(cfg), a.launcher, supOpts...)

	a.proxy = proxy.New(logger, proxy.Config{
		Timeout:             cfg.Proxy.Timeout,
		DialTimeout:         cfg.Proxy.DialTimeout,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
	}, proxy.WithMetricsCollector(a.metrics))

	server, err := api.NewServer(api.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		AllowOrigins:      cfg.API.AllowOrigins,
		AllowCredentials:  cfg.API.AllowCredentials,
		TrustProxyHeaders: cfg.API.TrustProxyHeaders,
		RateLimit:         cfg.API.RateLimit,
		RateBurst:         cfg.API.RateBurst,
	}, logger, a.supervisor, a.proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	a.server = server

	return a, nil
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		Count:           cfg.Workers.Count,
		BasePort:        cfg.Workers.BasePort,
		WorkerHost:      cfg.Workers.Host,
		LogDir:          cfg.Workers.LogDir,
		SettleDelay:     cfg.Workers.SettleDelay,
		StopTimeout:     cfg.Workers.StopTimeout,
		KillWait:        cfg.Workers.KillWait,
		MonitorInterval: cfg.Monitor.Interval,
		Restart:         cfg.Workers.Restart,
		RestartDelay:    cfg.Workers.RestartDelay,
		SampleResources: cfg.Monitor.SampleResources,
	}
}

// Start brings the system up: metrics, gateway listener, workers, monitor and
// finally the config watcher. Only a listener bind failure is returned; the
// caller is expected to call Shutdown on every path.
func (a *Application) Start(ctx context.Context) error {
	a.stateMu.Lock()
	if a.started {
		a.stateMu.Unlock()
		return errors.New("application already started")
	}
	a.started = true
	a.stateMu.Unlock()

	cfg := a.currentConfig()
	a.logger.Info("Starting supervisor",
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("base_port", cfg.Workers.BasePort),
		zap.String("listen_addr", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))),
		zap.Bool("restart", cfg.Workers.Restart),
	)

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	started := a.supervisor.StartAll(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	a.supervisor.StartMonitor()

	if a.manager != nil {
		a.manager.OnChange(a.applyConfig)
		if err := a.manager.StartWatcher(); err != nil {
			a.logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	a.logger.Info("Supervisor started",
		zap.Int("workers_started", started),
		zap.Int("workers_requested", cfg.Workers.Count),
		zap.String("address", a.server.Addr().String()),
	)

	return nil
}

// Shutdown stops accepting requests, stops the monitor and tears the pool
// down. It is safe to call more than once and after a failed Start.
func (a *Application) Shutdown(ctx context.Context) error {
	a.stateMu.Lock()
	if a.stopped {
		a.stateMu.Unlock()
		return nil
	}
	a.stopped = true
	a.stateMu.Unlock()

	a.logger.Info("Shutting down supervisor")

	var errs []error

	if a.manager != nil {
		a.manager.StopWatcher()
	}

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}

	a.supervisor.StopMonitor()
	a.supervisor.StopAll()
	a.proxy.CloseIdleConnections()

	if err := a.metrics.Stop(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("Supervisor stopped")
	return errors.Join(errs...)
}

// Addr returns the gateway's bound address, or nil before Start.
func (a *Application) Addr() net.Addr {
	return a.server.Addr()
}

// MetricsAddr returns the metrics listener address, or nil when disabled.
func (a *Application) MetricsAddr() net.Addr {
	return a.metrics.Addr()
}

// Supervisor exposes the pool for status reporting.
func (a *Application) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// GetStats returns forwarding counters and the pool snapshot.
func (a *Application) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"status":  a.supervisor.Status(),
		"workers": a.supervisor.Workers(),
		"proxy":   a.proxy.GetStats(),
	}
}

func (a *Application) currentConfig() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.config
}

// applyConfig applies the parts of a reloaded configuration that can change
// at runtime and reports the rest.
func (a *Application) applyConfig(next *config.Config) {
	a.cfgMu.Lock()
	prev := a.config
	a.config = next
	a.cfgMu.Unlock()

	if a.level != nil && next.Logging.Level != prev.Logging.Level {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			a.level.SetLevel(level)
			a.logger.Info("Log level changed", zap.String("level", next.Logging.Level))
		}
	}

	if next.Workers.Restart != prev.Workers.Restart {
		a.supervisor.SetRestart(next.Workers.Restart)
		a.logger.Info("Worker restart policy changed", zap.Bool("restart", next.Workers.Restart))
	}

	if next.Monitor.Interval != prev.Monitor.Interval {
		a.supervisor.SetMonitorInterval(next.Monitor.Interval)
		a.logger.Info("Monitor interval changed", zap.Duration("interval", next.Monitor.Interval))
	}

	if pending := restartRequired(prev, next); len(pending) > 0 {
		a.logger.Warn("Configuration changes take effect after restart", zap.Strings("sections", pending))
	}
}

// restartRequired lists sections that differ in ways a running supervisor
// cannot apply.
func restartRequired(prev, next *config.Config) []string {
	var sections []string

	if prev.Server != next.Server {
		sections = append(sections, "server")
	}

	pw, nw := prev.Workers, next.Workers
	pw.Restart, nw.Restart = false, false
	if !reflect.DeepEqual(pw, nw) {
		sections = append(sections, "workers")
	}

	if prev.Monitor.SampleResources != next.Monitor.SampleResources {
		sections = append(sections, "monitor")
	}
	if prev.Proxy != next.Proxy {
		sections = append(sections, "proxy")
	}
	if !reflect.DeepEqual(prev.API, next.API) {
		sections = append(sections, "api")
	}
	if prev.Metrics != next.Metrics {
		sections = append(sections, "metrics")
	}

	pl, nl := prev.Logging, next.Logging
	pl.Level, nl.Level = "", ""
	if pl != nl {
		sections = append(sections, "logging")
	}

	return sections
}
