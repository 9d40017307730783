package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/supervisor/internal/proxy"
	"github.com/shizukutanaka/supervisor/internal/supervisor"
)

var (
	_ supervisor.MetricsCollector = (*MetricsExporter)(nil)
	_ proxy.MetricsCollector      = (*MetricsExporter)(nil)
)

func newTestExporter(t *testing.T) *MetricsExporter {
	return NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{Namespace: "test"})
}

func TestMetricsExporter_Defaults(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{})

	assert.Equal(t, "127.0.0.1:9100", me.config.ListenAddr)
	assert.Equal(t, "/metrics", me.config.Path)
	assert.Equal(t, "supervisor", me.config.Namespace)
	assert.False(t, me.config.Enabled)
}

func TestMetricsExporter_Workers(t *testing.T) {
	me := newTestExporter(t)

	me.WorkersChanged(1, 3)
	me.SessionsChanged(4)

	expected := `
		# HELP test_pool_workers Number of workers by state
		# TYPE test_pool_workers gauge
		test_pool_workers{state="active"} 1
		test_pool_workers{state="inactive"} 2
		# HELP test_router_sessions Number of sessions in the affinity table
		# TYPE test_router_sessions gauge
		test_router_sessions 4
	`
	err := testutil.GatherAndCompare(me.registry, strings.NewReader(expected),
		"test_pool_workers", "test_router_sessions")
	assert.NoError(t, err)
}

func TestMetricsExporter_CrashesAndRestarts(t *testing.T) {
	me := newTestExporter(t)

	me.WorkerUsage(9001, 2048, 12.5)
	me.WorkerCrashed(9001)
	me.WorkerCrashed(9001)
	me.WorkerRestarted(9001, false)
	me.WorkerRestarted(9001, true)

	assert.Equal(t, float64(2), testutil.ToFloat64(me.workerCrashes.WithLabelValues("9001")))
	assert.Equal(t, float64(1), testutil.ToFloat64(me.workerRestarts.WithLabelValues("9001", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(me.workerRestarts.WithLabelValues("9001", "success")))

	// Usage for a crashed worker is dropped
	count, err := testutil.GatherAndCount(me.registry, "test_pool_worker_resident_memory_bytes")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMetricsExporter_Usage(t *testing.T) {
	me := newTestExporter(t)

	me.WorkerUsage(9000, 4096, 1.5)
	me.WorkerUsage(9001, 8192, 0)

	assert.Equal(t, float64(4096), testutil.ToFloat64(me.workerRSS.WithLabelValues("9000")))
	assert.Equal(t, 1.5, testutil.ToFloat64(me.workerCPU.WithLabelValues("9000")))
	assert.Equal(t, float64(8192), testutil.ToFloat64(me.workerRSS.WithLabelValues("9001")))
}

func TestMetricsExporter_Forwarding(t *testing.T) {
	me := newTestExporter(t)

	me.ForwardCompleted(http.MethodGet, 200, 20*time.Millisecond)
	me.ForwardCompleted(http.MethodGet, 200, 30*time.Millisecond)
	me.ForwardCompleted(http.MethodPost, 502, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(me.forwardRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(me.forwardRequests.WithLabelValues("POST", "502")))

	count, err := testutil.GatherAndCount(me.registry, "test_proxy_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetricsExporter_DisabledStart(t *testing.T) {
	me := newTestExporter(t)

	require.NoError(t, me.Start(context.Background()))
	assert.Nil(t, me.Addr())
	assert.NoError(t, me.Stop())
}

func TestMetricsExporter_Serve(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
		Namespace:  "test",
	})
	require.NoError(t, me.Start(context.Background()))
	t.Cleanup(func() { me.Stop() })

	me.WorkersChanged(2, 2)

	base := "http://" + me.Addr().String()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_pool_workers{state="active"} 2`)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, me.Stop())
	assert.NoError(t, me.Stop())
}

func TestMetricsExporter_BindFailure(t *testing.T) {
	first := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { first.Stop() })

	second := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{
		Enabled:    true,
		ListenAddr: first.Addr().String(),
	})
	assert.Error(t, second.Start(context.Background()))
}
