package supervisor

// MetricsCollector receives pool and routing events. The monitoring package
// provides the Prometheus implementation.
type MetricsCollector interface {
	// WorkersChanged records the current number of active and total workers
	WorkersChanged(active, total int)

	// SessionsChanged records the size of the affinity table
	SessionsChanged(total int)

	// WorkerCrashed records a worker found dead by the monitor
	WorkerCrashed(port int)

	// WorkerRestarted records a restart attempt and whether it succeeded
	WorkerRestarted(port int, ok bool)

	// WorkerUsage records a resource sample for one worker
	WorkerUsage(port int, rssBytes uint64, cpuPercent float64)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) WorkersChanged(active, total int)                    {}
func (n *noopMetricsCollector) SessionsChanged(total int)                           {}
func (n *noopMetricsCollector) WorkerCrashed(port int)                              {}
func (n *noopMetricsCollector) WorkerRestarted(port int, ok bool)                   {}
func (n *noopMetricsCollector) WorkerUsage(port int, rss uint64, cpuPercent float64) {}

// NewNoopMetricsCollector creates a collector that discards everything
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
