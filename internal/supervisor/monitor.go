package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/logging"
)

// StartMonitor runs the liveness loop in the background. It is a no-op when
// the loop is already running.
func (s *Supervisor) StartMonitor() {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	if s.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMonitor(ctx)
	}()

	s.logger.Info("Health monitor started", zap.Duration("interval", s.MonitorInterval()))
}

// StopMonitor cancels the loop and any pending restarts and waits for them
// to return.
func (s *Supervisor) StopMonitor() {
	s.monitorMu.Lock()
	cancel := s.monitorCancel
	s.monitorCancel = nil
	s.monitorMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if cancel != nil {
		s.logger.Info("Health monitor stopped")
	}
}

func (s *Supervisor) runMonitor(ctx context.Context) {
	for {
		timer := time.NewTimer(s.MonitorInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.CheckWorkers(ctx)
	}
}

type crashedWorker struct {
	w       *Worker
	pid     int
	code    int
	evicted []string
}

// CheckWorkers runs one liveness pass. Every active worker whose process has
// exited is marked inactive and loses its sessions; a restart is scheduled
// when enabled. It returns the ports found crashed in this pass.
func (s *Supervisor) CheckWorkers(ctx context.Context) []int {
	var crashed []crashedWorker

	s.mu.Lock()
	for _, w := range s.workers {
		if !w.active || w.proc == nil || !w.proc.Exited() {
			continue
		}
		w.active = false
		crashed = append(crashed, crashedWorker{
			w:       w,
			pid:     w.proc.Pid(),
			code:    w.proc.ExitCode(),
			evicted: s.evictLocked(w.Port),
		})
	}
	s.mu.Unlock()

	ports := make([]int, 0, len(crashed))
	for _, c := range crashed {
		ports = append(ports, c.w.Port)

		s.logger.Error("Worker crashed",
			zap.Int("port", c.w.Port),
			zap.Int("pid", c.pid),
			zap.Int("exit_code", c.code),
			zap.Int("sessions_evicted", len(c.evicted)),
		)
		for _, id := range c.evicted {
			s.logger.Info("Removed session from crashed worker",
				zap.String("session_id", id),
				zap.Int("port", c.w.Port),
			)
		}
		s.metrics.WorkerCrashed(c.w.Port)

		if s.restart.Load() && ctx.Err() == nil {
			s.wg.Add(1)
			go s.restartWorker(ctx, c.w)
		}
	}

	if len(ports) > 0 {
		s.logger.Warn("Crashed workers detected", zap.Ints("ports", ports))
	}

	s.publish()

	if s.config.SampleResources {
		s.sampleResources(ctx)
	}

	return ports
}

// evictLocked deletes every affinity entry owned by port.
func (s *Supervisor) evictLocked(port int) []string {
	var evicted []string
	for id, p := range s.sessions {
		if p == port {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(s.sessions, id)
	}
	return evicted
}

// restartWorker relaunches a crashed worker on its port after RestartDelay.
// Sessions evicted by the crash stay gone.
func (s *Supervisor) restartWorker(ctx context.Context, w *Worker) {
	defer s.wg.Done()

	logger := logging.WithPort(s.logger, w.Port)

	timer := time.NewTimer(s.config.RestartDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	logger.Info("Restarting worker")

	proc, err := s.launcher.Launch(ctx, w.Port, w.LogPath)
	if err != nil {
		logger.Error("Worker restart failed", zap.Error(err))
		s.metrics.WorkerRestarted(w.Port, false)
		return
	}

	s.mu.Lock()
	ok := !s.stopping && ctx.Err() == nil && !w.active && s.containsLocked(w)
	if ok {
		w.proc = proc
		w.active = true
		w.restarts++
	}
	s.mu.Unlock()

	if !ok {
		logger.Info("Pool stopping, discarding restarted worker", zap.Int("pid", proc.Pid()))
		if err := proc.Kill(); err != nil {
			logger.Warn("Failed to kill discarded worker", zap.Error(err))
		}
		select {
		case <-proc.Done():
		case <-time.After(s.config.KillWait):
		}
		proc.Close()
		return
	}

	logger.Info("Worker restarted", zap.Int("pid", proc.Pid()))
	s.metrics.WorkerRestarted(w.Port, true)
	s.publish()
}

func (s *Supervisor) containsLocked(target *Worker) bool {
	for _, w := range s.workers {
		if w == target {
			return true
		}
	}
	return false
}

func (s *Supervisor) sampleResources(ctx context.Context) {
	type sample struct{ port, pid int }

	s.mu.Lock()
	targets := make([]sample, 0, len(s.workers))
	for _, w := range s.workers {
		if w.active && w.proc != nil {
			targets = append(targets, sample{port: w.Port, pid: w.proc.Pid()})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		usage, err := s.sampleUsage(ctx, t.pid)
		if err != nil {
			s.logger.Debug("Resource sample failed", zap.Int("port", t.port), zap.Error(err))
			continue
		}
		s.metrics.WorkerUsage(t.port, usage.RSS, usage.CPUPercent)
	}
}
