//go:build !windows

package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/shizukutanaka/supervisor/internal/supervisor"
	"github.com/shizukutanaka/supervisor/internal/worker"
)

func TestRealWorkersCrashAndStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	logDir := t.TempDir()

	launcher := worker.NewLauncher(logger, worker.Config{
		Command:      []string{"sleep", "30"},
		Host:         "127.0.0.1",
		StartupGrace: 50 * time.Millisecond,
		WaitDelay:    time.Second,
	}, nil)

	cfg := testConfig(2)
	cfg.LogDir = logDir
	cfg.BasePort = 19000

	s := supervisor.New(logger, cfg, supervisor.WorkerLauncher(launcher),
		supervisor.WithPortLookup(noOwners),
	)
	require.Equal(t, 2, s.StartAll(context.Background()))
	require.True(t, s.Bind("S1", 19000))

	workers := s.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, filepath.Join(logDir, "worker_19000.log"), workers[0].LogPath)

	s.StartMonitor()

	// Kill worker A from outside the supervisor
	require.NoError(t, unix.Kill(workers[0].Pid, unix.SIGKILL))

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.ActiveWorkers == 1 && len(st.CrashedWorkers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	st := s.Status()
	assert.Equal(t, []int{19000}, st.CrashedWorkers)
	assert.Equal(t, 0, st.TotalSessions)

	s.StopMonitor()
	s.StopAll()

	assert.Equal(t, 0, s.Status().TotalWorkers)
	assert.ErrorIs(t, unix.Kill(workers[1].Pid, 0), unix.ESRCH)

	data, err := os.ReadFile(filepath.Join(logDir, "worker_19001.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== worker port=19001 started at")
}
