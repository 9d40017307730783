package supervisor

import (
	"context"

	"github.com/shizukutanaka/supervisor/internal/worker"
)

// Option configures a Supervisor
type Option func(*Supervisor)

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Supervisor) {
		if mc != nil {
			s.metrics = mc
		}
	}
}

// WithPortLookup replaces the function used to find processes bound to a
// worker port during the orphan sweep.
func WithPortLookup(fn func(ctx context.Context, port int) ([]int32, error)) Option {
	return func(s *Supervisor) {
		s.portOwners = fn
	}
}

// WithProcessKiller replaces the function used to kill orphaned pids
func WithProcessKiller(fn func(pid int) error) Option {
	return func(s *Supervisor) {
		s.killPID = fn
	}
}

// WithUsageSampler replaces the resource sampler used by the monitor
func WithUsageSampler(fn func(ctx context.Context, pid int) (worker.Usage, error)) Option {
	return func(s *Supervisor) {
		s.sampleUsage = fn
	}
}
