//go:build !windows

package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newTestLauncher(command []string, grace time.Duration) *Launcher {
	return NewLauncher(zap.NewNop(), Config{
		Command:      command,
		Host:         "127.0.0.1",
		StartupGrace: grace,
		WaitDelay:    time.Second,
	}, nil)
}

func TestCommandExpandsTemplate(t *testing.T) {
	l := newTestLauncher([]string{"optics", "serve", "--host", "{host}", "--port", "{port}"}, 0)

	assert.Equal(t,
		[]string{"optics", "serve", "--host", "127.0.0.1", "--port", "9001"},
		l.Command(9001),
	)
}

func TestLaunchEmptyCommand(t *testing.T) {
	l := newTestLauncher(nil, 0)

	h, err := l.Launch(context.Background(), 9000, "")
	assert.ErrorIs(t, err, ErrEmptyCommand)
	assert.Nil(t, h)
}

func TestLaunchMissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker_9000.log")
	l := newTestLauncher([]string{"/nonexistent/worker-binary", "{port}"}, 0)

	h, err := l.Launch(context.Background(), 9000, logPath)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.False(t, errors.Is(err, ErrExitedEarly))
}

func TestLaunchSurvivesGraceAndTerminates(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker_9000.log")
	l := newTestLauncher([]string{"sleep", "30"}, 100*time.Millisecond)

	h, err := l.Launch(context.Background(), 9000, logPath)
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.False(t, h.Exited())
	assert.Equal(t, -1, h.ExitCode())
	assert.Equal(t, 9000, h.Port())
	assert.Greater(t, h.Pid(), 0)

	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after SIGTERM")
	}
	assert.True(t, h.Exited())

	// Signalling a reaped group is not an error
	assert.NoError(t, h.Kill())
}

func TestLaunchEarlyExit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker_9000.log")
	l := newTestLauncher([]string{"sh", "-c", "echo booting; exit 3"}, 2*time.Second)

	h, err := l.Launch(context.Background(), 9000, logPath)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrExitedEarly)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 9000, exitErr.Port)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== worker port=9000 started at")
	assert.Contains(t, string(data), "booting")
}

func TestLaunchAppendsToExistingLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker_9000.log")
	require.NoError(t, os.WriteFile(logPath, []byte("previous run\n"), 0644))

	l := newTestLauncher([]string{"sh", "-c", "exit 0"}, time.Second)
	_, err := l.Launch(context.Background(), 9000, logPath)
	require.Error(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "previous run\n"))
}

func TestLaunchCancelledDuringGrace(t *testing.T) {
	l := newTestLauncher([]string{"sleep", "30"}, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	h, err := l.Launch(ctx, 9000, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h)
}

func TestKillReachesGrandchildren(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	// The shell backgrounds a sleep and records its pid
	script := "sleep 30 & echo $! > " + pidFile + "; wait"
	l := newTestLauncher([]string{"sh", "-c", script}, 0)

	h, err := l.Launch(context.Background(), 9000, "")
	require.NoError(t, err)

	var childPid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		childPid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && childPid > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Kill())
	<-h.Done()

	assert.Eventually(t, func() bool {
		return processGone(childPid)
	}, 5*time.Second, 20*time.Millisecond)
}

// processGone treats an unreaped zombie as gone, since a container without
// an init process may never reap the orphaned grandchild.
func processGone(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] == "Z"
}

func TestPortOwnersFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	pids, err := PortOwners(context.Background(), port)
	if err != nil {
		t.Skipf("connection table unavailable: %v", err)
	}
	assert.Contains(t, pids, int32(os.Getpid()))
}

func TestSampleSelf(t *testing.T) {
	usage, err := Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, usage.RSS, uint64(0))
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
}
