// Package supervisortest provides in-memory processes and launchers for
// exercising the supervisor without spawning children.
package supervisortest

import (
	"context"
	"sync"

	"github.com/shizukutanaka/supervisor/internal/supervisor"
)

// FakeProcess is a controllable stand-in for a worker process.
type FakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	code       int
	terminated int
	killed     int
	closed     int

	// IgnoreTerm makes Terminate a no-op so that only Kill ends the process.
	IgnoreTerm bool
}

// NewFakeProcess returns a running fake with the given pid.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{pid: pid, done: make(chan struct{}), code: -1}
}

// Exit ends the process with code. Later calls are ignored.
func (p *FakeProcess) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *FakeProcess) Pid() int              { return p.pid }
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *FakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	ignore := p.IgnoreTerm
	p.mu.Unlock()

	if !ignore {
		p.Exit(-1)
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()

	p.Exit(-1)
	return nil
}

func (p *FakeProcess) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

// Signals returns how many times Terminate, Kill and Close were called.
func (p *FakeProcess) Signals() (terminated, killed, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.killed, p.closed
}

// FakeLauncher records launches and hands out FakeProcesses.
type FakeLauncher struct {
	mu      sync.Mutex
	nextPid int
	fail    map[int]error
	procs   map[int][]*FakeProcess

	// IgnoreTerm is copied onto every process launched afterwards.
	IgnoreTerm bool
}

// NewFakeLauncher creates a launcher whose pids start at 1000.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		nextPid: 1000,
		fail:    make(map[int]error),
		procs:   make(map[int][]*FakeProcess),
	}
}

// FailPort makes launches on port return err. A nil err clears the failure.
func (l *FakeLauncher) FailPort(port int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		delete(l.fail, port)
		return
	}
	l.fail[port] = err
}

func (l *FakeLauncher) Launch(ctx context.Context, port int, logPath string) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fail[port]; err != nil {
		return nil, err
	}

	l.nextPid++
	p := NewFakeProcess(l.nextPid)
	p.IgnoreTerm = l.IgnoreTerm
	l.procs[port] = append(l.procs[port], p)
	return p, nil
}

// Process returns the most recent process launched on port, or nil.
func (l *FakeLauncher) Process(port int) *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()

	procs := l.procs[port]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// Launches returns how many processes were launched on port.
func (l *FakeLauncher) Launches(port int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[port])
}
