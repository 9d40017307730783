// Package supervisor owns the worker pool, the session affinity table and the
// round-robin cursor, and runs the health monitor that keeps them consistent.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/worker"
)

// Process is a running worker as seen by the pool.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Exited() bool
	ExitCode() int
	Terminate() error
	Kill() error
	Close() error
}

// Launcher starts one worker bound to port, writing its output to logPath.
type Launcher interface {
	Launch(ctx context.Context, port int, logPath string) (Process, error)
}

// WorkerLauncher adapts a worker.Launcher to the pool's Launcher interface.
func WorkerLauncher(l *worker.Launcher) Launcher {
	return workerLauncher{l: l}
}

type workerLauncher struct {
	l *worker.Launcher
}

func (w workerLauncher) Launch(ctx context.Context, port int, logPath string) (Process, error) {
	h, err := w.l.Launch(ctx, port, logPath)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Config holds pool and monitor settings.
type Config struct {
	Count      int
	BasePort   int
	WorkerHost string
	// LogDir holds worker_{port}.log files. Empty sends worker output to the
	// supervisor's stdout and stderr.
	LogDir string

	SettleDelay time.Duration
	StopTimeout time.Duration
	KillWait    time.Duration

	MonitorInterval time.Duration
	Restart         bool
	RestartDelay    time.Duration
	SampleResources bool
}

// DefaultConfig returns the settings the supervisor ships with.
func DefaultConfig() Config {
	return Config{
		Count:           2,
		BasePort:        9000,
		WorkerHost:      "127.0.0.1",
		LogDir:          ".",
		SettleDelay:     5 * time.Second,
		StopTimeout:     2 * time.Second,
		KillWait:        5 * time.Second,
		MonitorInterval: 2 * time.Second,
		Restart:         false,
		RestartDelay:    5 * time.Second,
		SampleResources: true,
	}
}

// Worker is one pool slot. All fields other than Port and LogPath are
// guarded by the supervisor mutex.
type Worker struct {
	Port    int
	LogPath string

	proc     Process
	active   bool
	restarts int
}

// WorkerInfo is a point-in-time copy of a Worker.
type WorkerInfo struct {
	Port     int    `json:"port" yaml:"port"`
	Pid      int    `json:"pid" yaml:"pid"`
	Active   bool   `json:"active" yaml:"active"`
	Restarts int    `json:"restarts" yaml:"restarts"`
	LogPath  string `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

// Supervisor is the single aggregate holding pool and routing state.
type Supervisor struct {
	logger   *zap.Logger
	config   Config
	launcher Launcher
	metrics  MetricsCollector

	portOwners  func(ctx context.Context, port int) ([]int32, error)
	killPID     func(pid int) error
	sampleUsage func(ctx context.Context, pid int) (worker.Usage, error)

	mu       sync.Mutex
	workers  []*Worker
	sessions map[string]int
	cursor   uint64
	stopping bool

	restart  atomic.Bool
	interval atomic.Int64

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a supervisor. No process is started until StartAll.
func New(logger *zap.Logger, config Config, launcher Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      logger.Named("supervisor"),
		config:      config,
		launcher:    launcher,
		metrics:     NewNoopMetricsCollector(),
		portOwners:  worker.PortOwners,
		killPID:     worker.KillPID,
		sampleUsage: worker.Sample,
		sessions:    make(map[string]int),
	}

	s.restart.Store(config.Restart)
	s.SetMonitorInterval(config.MonitorInterval)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetRestart toggles automatic restart of crashed workers.
func (s *Supervisor) SetRestart(enabled bool) {
	s.restart.Store(enabled)
}

// RestartEnabled reports whether crashed workers are relaunched.
func (s *Supervisor) RestartEnabled() bool {
	return s.restart.Load()
}

// SetMonitorInterval changes the wait between liveness passes. It applies
// from the next wait onward.
func (s *Supervisor) SetMonitorInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultConfig().MonitorInterval
	}
	s.interval.Store(int64(d))
}

// MonitorInterval returns the current wait between liveness passes.
func (s *Supervisor) MonitorInterval() time.Duration {
	return time.Duration(s.interval.Load())
}

// WorkerAddr returns host:port for a worker.
func (s *Supervisor) WorkerAddr(port int) string {
	return net.JoinHostPort(s.config.WorkerHost, strconv.Itoa(port))
}

// Workers returns a snapshot of the pool in port order of launch.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		info := WorkerInfo{
			Port:     w.Port,
			Active:   w.active,
			Restarts: w.restarts,
			LogPath:  w.LogPath,
		}
		if w.proc != nil {
			info.Pid = w.proc.Pid()
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *Supervisor) logPath(port int) string {
	if s.config.LogDir == "" {
		return ""
	}
	return filepath.Join(s.config.LogDir, fmt.Sprintf("worker_%d.log", port))
}

// countsLocked returns active workers, total workers and sessions.
func (s *Supervisor) countsLocked() (int, int, int) {
	active := 0
	for _, w := range s.workers {
		if w.active {
			active++
		}
	}
	return active, len(s.workers), len(s.sessions)
}

func (s *Supervisor) publish() {
	s.mu.Lock()
	active, total, sessions := s.countsLocked()
	s.mu.Unlock()

	s.metrics.WorkersChanged(active, total)
	s.metrics.SessionsChanged(sessions)
}
