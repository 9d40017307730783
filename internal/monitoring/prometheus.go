// Package monitoring exports pool and forwarding metrics to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsExporter publishes pool, session and forwarding metrics on its own
// listener. It implements the supervisor and proxy metrics collectors.
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	server   *http.Server
	registry *prometheus.Registry
	addr     net.Addr

	// Pool metrics
	workers        *prometheus.GaugeVec
	sessions       prometheus.Gauge
	workerCrashes  *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec
	workerRSS      *prometheus.GaugeVec
	workerCPU      *prometheus.GaugeVec

	// Forwarding metrics
	forwardRequests *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
}

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	Namespace  string `yaml:"namespace"`
}

// DefaultMetricsConfig returns the exporter defaults. Export is off.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    false,
		ListenAddr: "127.0.0.1:9100",
		Path:       "/metrics",
		Namespace:  "supervisor",
	}
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig) *MetricsExporter {
	// Set defaults
	defaults := DefaultMetricsConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}

	me := &MetricsExporter{
		logger:   logger.Named("metrics"),
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	me.initializeMetrics()

	return me
}

// Registry exposes the exporter's registry.
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler serves the registry in the Prometheus text format.
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start binds the metrics listener and serves in the background. It does
// nothing when export is disabled.
func (me *MetricsExporter) Start(ctx context.Context) error {
	if !me.config.Enabled {
		me.logger.Debug("Metrics exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(me.config.Path, me.Handler())

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	ln, err := net.Listen("tcp", me.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics listener %s: %w", me.config.ListenAddr, err)
	}
	me.addr = ln.Addr()

	me.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	me.logger.Info("Starting metrics exporter",
		zap.String("address", me.addr.String()),
		zap.String("path", me.config.Path),
	)

	go func() {
		if err := me.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			me.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound metrics address, or nil when not serving.
func (me *MetricsExporter) Addr() net.Addr {
	return me.addr
}

// Stop halts metrics export
func (me *MetricsExporter) Stop() error {
	if me.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := me.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	me.server = nil

	me.logger.Info("Metrics exporter stopped")
	return nil
}

// WorkersChanged records active and total worker counts
func (me *MetricsExporter) WorkersChanged(active, total int) {
	me.workers.WithLabelValues("active").Set(float64(active))
	me.workers.WithLabelValues("inactive").Set(float64(total - active))
}

// SessionsChanged records the affinity table size
func (me *MetricsExporter) SessionsChanged(total int) {
	me.sessions.Set(float64(total))
}

// WorkerCrashed counts a crash detected by the monitor
func (me *MetricsExporter) WorkerCrashed(port int) {
	label := strconv.Itoa(port)
	me.workerCrashes.WithLabelValues(label).Inc()

	// A dead process has no usage
	me.workerRSS.DeleteLabelValues(label)
	me.workerCPU.DeleteLabelValues(label)
}

// WorkerRestarted counts a restart attempt
func (me *MetricsExporter) WorkerRestarted(port int, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	me.workerRestarts.WithLabelValues(strconv.Itoa(port), result).Inc()
}

// WorkerUsage records a resource sample
func (me *MetricsExporter) WorkerUsage(port int, rssBytes uint64, cpuPercent float64) {
	label := strconv.Itoa(port)
	me.workerRSS.WithLabelValues(label).Set(float64(rssBytes))
	me.workerCPU.WithLabelValues(label).Set(cpuPercent)
}

// ForwardCompleted records one relayed request
func (me *MetricsExporter) ForwardCompleted(method string, status int, duration time.Duration) {
	me.forwardRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	me.forwardDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (me *MetricsExporter) initializeMetrics() {
	// Pool metrics
	me.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: me.config.Namespace,
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Number of workers by state",
	}, []string{"state"})

	me.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: me.config.Namespace,
		Subsystem: "router",
		Name:      "sessions",
		Help:      "Number of sessions in the affinity table",
	})

	me.workerCrashes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: me.config.Namespace,
		Subsystem: "pool",
		Name:      "worker_crashes_total",
		Help:      "Total number of worker crashes detected",
	}, []string{"port"})

	me.workerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: me.config.Namespace,
		Subsystem: "pool",
		Name:      "worker_restarts_total",
		Help:      "Total number of worker restart attempts",
	}, []string{"port", "result"})

	me.workerRSS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: me.config.Namespace,
		Subsystem: "pool",
		Name:      "worker_resident_memory_bytes",
		Help:      "Resident memory of each worker process",
	}, []string{"port"})

	me.workerCPU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: me.config.Namespace,
		Subsystem: "pool",
		Name:      "worker_cpu_percent",
		Help:      "CPU usage of each worker process",
	}, []string{"port"})

	// Forwarding metrics
	me.forwardRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: me.config.Namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of forwarded requests by method and status code",
	}, []string{"method", "code"})

	me.forwardDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: me.config.Namespace,
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Time spent forwarding a request to a worker",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"method"})

	me.registry.MustRegister(
		me.workers,
		me.sessions,
		me.workerCrashes,
		me.workerRestarts,
		me.workerRSS,
		me.workerCPU,
		me.forwardRequests,
		me.forwardDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
