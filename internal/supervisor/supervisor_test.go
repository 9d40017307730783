package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/supervisor/internal/supervisor"
	"github.com/shizukutanaka/supervisor/internal/supervisor/supervisortest"
)

func testConfig(count int) supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Count = count
	cfg.BasePort = 9000
	cfg.LogDir = ""
	cfg.SettleDelay = 0
	cfg.StopTimeout = 200 * time.Millisecond
	cfg.KillWait = 200 * time.Millisecond
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.SampleResources = false
	return cfg
}

func noOwners(ctx context.Context, port int) ([]int32, error) { return nil, nil }

func newTestSupervisor(t *testing.T, cfg supervisor.Config, launcher *supervisortest.FakeLauncher, opts ...supervisor.Option) *supervisor.Supervisor {
	t.Helper()

	opts = append([]supervisor.Option{
		supervisor.WithPortLookup(noOwners),
		supervisor.WithProcessKiller(func(int) error { return nil }),
	}, opts...)

	s := supervisor.New(zaptest.NewLogger(t), cfg, launcher, opts...)
	t.Cleanup(func() {
		s.StopMonitor()
		s.StopAll()
	})
	return s
}

func startPool(t *testing.T, count int) (*supervisor.Supervisor, *supervisortest.FakeLauncher) {
	t.Helper()

	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(count), launcher)
	require.Equal(t, count, s.StartAll(context.Background()))
	return s, launcher
}

func assertDistributionConsistent(t *testing.T, st supervisor.Status) {
	t.Helper()

	sum := 0
	for _, n := range st.SessionDistribution {
		sum += n
	}
	assert.Equal(t, st.TotalSessions, sum)
}

func TestNextWorkerRoundRobin(t *testing.T) {
	s, _ := startPool(t, 3)

	var order []int
	for i := 0; i < 4; i++ {
		port, ok := s.NextWorker()
		require.True(t, ok)
		order = append(order, port)
	}
	assert.Equal(t, []int{9000, 9001, 9002, 9000}, order)
}

func TestNextWorkerFairness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		for _, k := range []int{0, 1, 7, 10, 23} {
			t.Run(fmt.Sprintf("n=%d/k=%d", n, k), func(t *testing.T) {
				s, _ := startPool(t, n)

				visits := make(map[int]int)
				for i := 0; i < k; i++ {
					port, ok := s.NextWorker()
					require.True(t, ok)
					visits[port]++
				}

				for i := 0; i < n; i++ {
					got := visits[9000+i]
					assert.True(t, got == k/n || got == (k+n-1)/n,
						"port %d visited %d times", 9000+i, got)
				}
			})
		}
	}
}

func TestNextWorkerEmptyPool(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(0), launcher)

	assert.Equal(t, 0, s.StartAll(context.Background()))

	_, ok := s.NextWorker()
	assert.False(t, ok)

	_, ok = s.Resolve("11111111-1111-1111-1111-111111111111")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Status().TotalSessions)
}

func TestResolveIsStable(t *testing.T) {
	s, _ := startPool(t, 3)

	const id = "11111111-1111-1111-1111-111111111111"

	first, ok := s.Resolve(id)
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		// Advance the cursor between lookups
		s.NextWorker()

		port, ok := s.Resolve(id)
		require.True(t, ok)
		assert.Equal(t, first, port)
	}

	st := s.Status()
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, 1, st.SessionDistribution[first])
}

func TestBind(t *testing.T) {
	s, launcher := startPool(t, 2)

	assert.True(t, s.Bind("S1", 9001))
	port, ok := s.Resolve("S1")
	require.True(t, ok)
	assert.Equal(t, 9001, port)

	// Unknown port
	assert.False(t, s.Bind("S2", 9999))

	// Inactive port
	launcher.Process(9000).Exit(1)
	s.CheckWorkers(context.Background())
	assert.False(t, s.Bind("S3", 9000))

	st := s.Status()
	assert.Equal(t, 1, st.TotalSessions)
	assertDistributionConsistent(t, st)
}

func TestCheckWorkersEvictsSessions(t *testing.T) {
	s, launcher := startPool(t, 2)

	require.True(t, s.Bind("a", 9000))
	require.True(t, s.Bind("b", 9000))
	require.True(t, s.Bind("c", 9001))

	launcher.Process(9000).Exit(1)

	crashed := s.CheckWorkers(context.Background())
	assert.Equal(t, []int{9000}, crashed)

	st := s.Status()
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, 1, st.ActiveWorkers)
	assert.Equal(t, 2, st.TotalWorkers)
	assert.Equal(t, []int{9000}, st.CrashedWorkers)
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, 0, st.SessionDistribution[9000])
	assert.Equal(t, 1, st.SessionDistribution[9001])
	assertDistributionConsistent(t, st)

	// Only the survivor takes new traffic
	for i := 0; i < 4; i++ {
		port, ok := s.NextWorker()
		require.True(t, ok)
		assert.Equal(t, 9001, port)
	}

	// An evicted session is treated as new
	port, ok := s.Resolve("a")
	require.True(t, ok)
	assert.Equal(t, 9001, port)

	// A second pass reports nothing new
	assert.Empty(t, s.CheckWorkers(context.Background()))
}

func TestAllWorkersCrashed(t *testing.T) {
	s, launcher := startPool(t, 2)

	launcher.Process(9000).Exit(1)
	launcher.Process(9001).Exit(2)
	s.CheckWorkers(context.Background())

	st := s.Status()
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, 0, st.ActiveWorkers)
	assert.Equal(t, []int{9000, 9001}, st.CrashedWorkers)

	_, ok := s.NextWorker()
	assert.False(t, ok)
}

func TestMonitorDetectsCrash(t *testing.T) {
	s, launcher := startPool(t, 2)
	require.True(t, s.Bind("S1", 9000))

	s.StartMonitor()
	s.StartMonitor()

	launcher.Process(9000).Exit(137)

	assert.Eventually(t, func() bool {
		st := s.Status()
		return st.ActiveWorkers == 1 && len(st.CrashedWorkers) == 1 && st.TotalSessions == 0
	}, 2*time.Second, 10*time.Millisecond)

	s.StopMonitor()
	s.StopMonitor()
}

func TestMonitorRestartsCrashedWorker(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	cfg := testConfig(2)
	cfg.Restart = true
	s := newTestSupervisor(t, cfg, launcher)
	require.Equal(t, 2, s.StartAll(context.Background()))
	require.True(t, s.Bind("S1", 9000))

	first := launcher.Process(9000)
	s.StartMonitor()
	first.Exit(1)

	require.Eventually(t, func() bool {
		return launcher.Launches(9000) == 2 && s.Status().ActiveWorkers == 2
	}, 2*time.Second, 10*time.Millisecond)

	st := s.Status()
	assert.Empty(t, st.CrashedWorkers)
	assert.Equal(t, 0, st.TotalSessions)

	var info supervisor.WorkerInfo
	for _, w := range s.Workers() {
		if w.Port == 9000 {
			info = w
		}
	}
	assert.Equal(t, 1, info.Restarts)
	assert.Equal(t, launcher.Process(9000).Pid(), info.Pid)
	assert.NotEqual(t, first.Pid(), info.Pid)
}

func TestRestartFailureLeavesWorkerInactive(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	cfg := testConfig(1)
	s := newTestSupervisor(t, cfg, launcher)
	require.Equal(t, 1, s.StartAll(context.Background()))

	s.SetRestart(true)
	assert.True(t, s.RestartEnabled())

	launcher.FailPort(9000, errors.New("port in use"))
	launcher.Process(9000).Exit(1)
	s.CheckWorkers(context.Background())

	// Wait for the restart attempt to finish
	s.StopMonitor()

	st := s.Status()
	assert.Equal(t, 0, st.ActiveWorkers)
	assert.Equal(t, []int{9000}, st.CrashedWorkers)
	assert.Equal(t, 1, launcher.Launches(9000))
}

func TestStopMonitorCancelsPendingRestart(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	cfg := testConfig(1)
	cfg.Restart = true
	cfg.RestartDelay = time.Hour
	s := newTestSupervisor(t, cfg, launcher)
	require.Equal(t, 1, s.StartAll(context.Background()))

	s.StartMonitor()
	launcher.Process(9000).Exit(1)

	require.Eventually(t, func() bool {
		return s.Status().ActiveWorkers == 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.StopMonitor()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopMonitor blocked on pending restart")
	}
	assert.Equal(t, 1, launcher.Launches(9000))
}

func TestStartAllToleratesLaunchFailures(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	launcher.FailPort(9001, errors.New("exec: not found"))
	s := newTestSupervisor(t, testConfig(3), launcher)

	assert.Equal(t, 2, s.StartAll(context.Background()))

	st := s.Status()
	assert.Equal(t, 2, st.TotalWorkers)
	assert.Equal(t, 2, st.ActiveWorkers)
	assert.Contains(t, st.SessionDistribution, 9000)
	assert.Contains(t, st.SessionDistribution, 9002)
	assert.NotContains(t, st.SessionDistribution, 9001)
}

func TestStartAllSkipsRegisteredPorts(t *testing.T) {
	s, launcher := startPool(t, 2)

	assert.Equal(t, 0, s.StartAll(context.Background()))
	assert.Equal(t, 1, launcher.Launches(9000))
	assert.Equal(t, 2, s.Status().TotalWorkers)
}

func TestStopAllIsIdempotent(t *testing.T) {
	s, launcher := startPool(t, 2)
	require.True(t, s.Bind("S1", 9000))

	s.StopAll()
	s.StopAll()

	st := s.Status()
	assert.Equal(t, 0, st.TotalWorkers)
	assert.Equal(t, 0, st.TotalSessions)
	assert.Equal(t, "unhealthy", st.Status)

	for _, port := range []int{9000, 9001} {
		p := launcher.Process(port)
		assert.True(t, p.Exited())
		terminated, killed, closed := p.Signals()
		assert.Equal(t, 1, terminated)
		assert.Equal(t, 0, killed)
		assert.Equal(t, 1, closed)
	}
}

func TestStopAllKillsStubbornWorkers(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	launcher.IgnoreTerm = true
	s := newTestSupervisor(t, testConfig(2), launcher)
	require.Equal(t, 2, s.StartAll(context.Background()))

	s.StopAll()

	for _, port := range []int{9000, 9001} {
		terminated, killed, _ := launcher.Process(port).Signals()
		assert.Equal(t, 1, terminated)
		assert.Equal(t, 1, killed)
	}
	assert.Equal(t, 0, s.Status().TotalWorkers)
}

func TestStopAllSweepsOrphans(t *testing.T) {
	var mu sync.Mutex
	var killed []int

	lookup := func(ctx context.Context, port int) ([]int32, error) {
		switch port {
		case 9000:
			return []int32{int32(os.Getpid()), 4242}, nil
		default:
			return nil, errors.New("lookup failed")
		}
	}
	killer := func(pid int) error {
		mu.Lock()
		defer mu.Unlock()
		killed = append(killed, pid)
		return nil
	}

	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(2), launcher,
		supervisor.WithPortLookup(lookup),
		supervisor.WithProcessKiller(killer),
	)
	require.Equal(t, 2, s.StartAll(context.Background()))

	s.StopAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4242}, killed)
	assert.Equal(t, 0, s.Status().TotalWorkers)
}

func TestStatusJSON(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(0), launcher)

	data, err := json.Marshal(s.Status())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "unhealthy",
		"active_workers": 0,
		"total_workers": 0,
		"crashed_workers": [],
		"total_sessions": 0,
		"session_distribution": {}
	}`, string(data))

	s2, _ := startPool(t, 2)
	require.True(t, s2.Bind("S1", 9001))

	data, err = json.Marshal(s2.Status())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "healthy",
		"active_workers": 2,
		"total_workers": 2,
		"crashed_workers": [],
		"total_sessions": 1,
		"session_distribution": {"9000": 0, "9001": 1}
	}`, string(data))
}

func TestConcurrentRoutingDuringCrash(t *testing.T) {
	s, launcher := startPool(t, 4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Resolve(fmt.Sprintf("session-%d-%d", g, i))
				s.NextWorker()
				assertDistributionConsistent(t, s.Status())
			}
		}(g)
	}

	launcher.Process(9002).Exit(1)
	s.CheckWorkers(context.Background())
	wg.Wait()

	st := s.Status()
	assertDistributionConsistent(t, st)
	assert.Equal(t, []int{9002}, st.CrashedWorkers)
}

func TestWorkerAddr(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(0), launcher)

	assert.Equal(t, "127.0.0.1:9000", s.WorkerAddr(9000))
}

func TestSetMonitorInterval(t *testing.T) {
	launcher := supervisortest.NewFakeLauncher()
	s := newTestSupervisor(t, testConfig(0), launcher)

	s.SetMonitorInterval(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, s.MonitorInterval())

	s.SetMonitorInterval(0)
	assert.Equal(t, supervisor.DefaultConfig().MonitorInterval, s.MonitorInterval())
}
