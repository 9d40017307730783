package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyCommand is returned when the command template has no program.
	ErrEmptyCommand = errors.New("worker command is empty")
	// ErrExitedEarly is wrapped by ExitError when a worker dies during its grace period.
	ErrExitedEarly = errors.New("worker exited during startup")
)

// ExitError reports a worker that terminated before its startup grace elapsed.
type ExitError struct {
	Port int
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker on port %d exited during startup with code %d", e.Port, e.Code)
}

func (e *ExitError) Unwrap() error { return ErrExitedEarly }

// Config controls how worker processes are spawned.
type Config struct {
	// Command is the argv template. {host} and {port} are substituted per worker.
	Command []string
	Host    string
	// StartupGrace is how long a fresh process must survive to count as started.
	StartupGrace time.Duration
	// WaitDelay bounds how long Wait keeps draining output after the child exits.
	WaitDelay time.Duration
	// Env is appended to the supervisor's own environment.
	Env []string
}

// LogOpener opens the append-mode output sink for one worker.
type LogOpener func(path string) (io.WriteCloser, error)

// Launcher spawns worker processes in their own process group.
type Launcher struct {
	logger  *zap.Logger
	config  Config
	openLog LogOpener
}

// NewLauncher creates a launcher. openLog may be nil, in which case log paths
// are opened as plain append-mode files.
func NewLauncher(logger *zap.Logger, config Config, openLog LogOpener) *Launcher {
	if openLog == nil {
		openLog = openAppend
	}
	return &Launcher{
		logger:  logger.Named("launcher"),
		config:  config,
		openLog: openLog,
	}
}

// Command returns the argv used for a worker on port.
func (l *Launcher) Command(port int) []string {
	replacer := strings.NewReplacer(
		"{host}", l.config.Host,
		"{port}", strconv.Itoa(port),
	)

	argv := make([]string, len(l.config.Command))
	for i, arg := range l.config.Command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

// Launch starts a worker bound to port and waits out the startup grace.
// Output goes to logPath in append mode, or to the supervisor's own stdout
// and stderr when logPath is empty. A worker that exits during the grace
// period yields an *ExitError.
func (l *Launcher) Launch(ctx context.Context, port int, logPath string) (*Handle, error) {
	argv := l.Command(port)
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	var lw *logWriter
	if logPath != "" {
		w, err := l.openLog(logPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open worker log %s: %w", logPath, err)
		}
		lw = newLogWriter(w)
		fmt.Fprintf(lw, "=== worker port=%d started at %s ===\n$ %s\n",
			port, time.Now().Format(time.RFC3339), strings.Join(argv, " "))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = l.config.WaitDelay
	if len(l.config.Env) > 0 {
		cmd.Env = append(os.Environ(), l.config.Env...)
	}
	if lw != nil {
		cmd.Stdout = lw
		cmd.Stderr = lw
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if lw != nil {
			lw.Close()
		}
		return nil, fmt.Errorf("failed to start worker on port %d: %w", port, err)
	}

	h := newHandle(cmd, port, lw)
	go h.wait()

	l.logger.Debug("Worker spawned",
		zap.Int("port", port),
		zap.Int("pid", h.Pid()),
		zap.Strings("argv", argv),
	)

	if l.config.StartupGrace <= 0 {
		return h, nil
	}

	timer := time.NewTimer(l.config.StartupGrace)
	defer timer.Stop()

	select {
	case <-h.Done():
		return nil, &ExitError{Port: port, Code: h.ExitCode()}
	case <-ctx.Done():
		h.Kill()
		<-h.Done()
		return nil, ctx.Err()
	case <-timer.C:
		return h, nil
	}
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
