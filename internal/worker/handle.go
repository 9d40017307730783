package worker

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Handle tracks one running worker process. Liveness is driven by a goroutine
// blocked in cmd.Wait, so Exited never needs to poll the OS.
type Handle struct {
	cmd       *exec.Cmd
	port      int
	pid       int
	startedAt time.Time

	log *logWriter

	done     chan struct{}
	exitCode int
	waitErr  error
}

func newHandle(cmd *exec.Cmd, port int, log *logWriter) *Handle {
	return &Handle{
		cmd:       cmd,
		port:      port,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		log:       log,
		done:      make(chan struct{}),
		exitCode:  -1,
	}
}

// wait reaps the child and releases the log writer once output is drained.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.waitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.Close()
	close(h.done)
}

// Pid returns the OS process id, which is also the process group id.
func (h *Handle) Pid() int { return h.pid }

// Port returns the port the worker was told to bind.
func (h *Handle) Port() int { return h.port }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the process
// was ended by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}

// Err returns the error reported by Wait, if any.
func (h *Handle) Err() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

// Terminate asks the whole process group to exit.
func (h *Handle) Terminate() error {
	return terminateGroup(h.cmd.Process, h.pid)
}

// Kill force-kills the whole process group.
func (h *Handle) Kill() error {
	return killGroup(h.cmd.Process, h.pid)
}

// Close releases the log writer. Safe to call more than once.
func (h *Handle) Close() error {
	if h.log == nil {
		return nil
	}
	return h.log.Close()
}

// logWriter refuses writes after Close so a late write from a dying child
// cannot make lumberjack reopen the file.
type logWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func newLogWriter(w io.WriteCloser) *logWriter {
	if w == nil {
		return nil
	}
	return &logWriter{w: w}
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, os.ErrClosed
	}
	return lw.w.Write(p)
}

func (lw *logWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return nil
	}
	lw.closed = true
	return lw.w.Close()
}
