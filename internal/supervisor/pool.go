package supervisor

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

const sweepTimeout = 5 * time.Second

// StartAll launches Count workers on consecutive ports from BasePort and
// returns how many came up. Failed launches are logged and skipped, so the
// pool may run degraded.
func (s *Supervisor) StartAll(ctx context.Context) int {
	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("Starting workers",
		zap.Int("count", s.config.Count),
		zap.Int("base_port", s.config.BasePort),
	)

	started := 0
	for i := 0; i < s.config.Count; i++ {
		if ctx.Err() != nil {
			break
		}

		port := s.config.BasePort + i
		if s.hasWorker(port) {
			s.logger.Warn("Worker already registered on port", zap.Int("port", port))
			continue
		}

		logPath := s.logPath(port)
		proc, err := s.launcher.Launch(ctx, port, logPath)
		if err != nil {
			s.logger.Error("Failed to start worker",
				zap.Int("port", port),
				zap.String("log_path", logPath),
				zap.Error(err),
			)
			continue
		}

		s.mu.Lock()
		s.workers = append(s.workers, &Worker{
			Port:    port,
			LogPath: logPath,
			proc:    proc,
			active:  true,
		})
		s.mu.Unlock()
		started++

		s.logger.Info("Worker started", zap.Int("port", port), zap.Int("pid", proc.Pid()))

		if i < s.config.Count-1 && s.config.SettleDelay > 0 {
			timer := time.NewTimer(s.config.SettleDelay)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	s.publish()

	if started < s.config.Count {
		s.logger.Warn("Worker pool degraded",
			zap.Int("started", started),
			zap.Int("requested", s.config.Count),
		)
	} else {
		s.logger.Info("All workers started", zap.Int("count", started))
	}

	return started
}

func (s *Supervisor) hasWorker(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if w.Port == port {
			return true
		}
	}
	return false
}

type stopTarget struct {
	port int
	proc Process
}

// StopAll terminates every worker: SIGTERM to each process group, SIGKILL
// for those still alive after StopTimeout, then a sweep of anything still
// bound to a worker port. Worker list and affinity table are cleared even
// when individual steps fail. Calling it on an empty pool does nothing.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopping = true
	targets := make([]stopTarget, 0, len(s.workers))
	for _, w := range s.workers {
		targets = append(targets, stopTarget{port: w.Port, proc: w.proc})
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		s.clear()
		return
	}

	s.logger.Info("Stopping workers", zap.Int("count", len(targets)))

	for _, t := range targets {
		if t.proc == nil || t.proc.Exited() {
			continue
		}
		if err := t.proc.Terminate(); err != nil {
			s.logger.Warn("Failed to terminate worker",
				zap.Int("port", t.port),
				zap.Int("pid", t.proc.Pid()),
				zap.Error(err),
			)
		}
	}

	if !waitExited(targets, s.config.StopTimeout) {
		for _, t := range targets {
			if t.proc == nil || t.proc.Exited() {
				continue
			}
			s.logger.Warn("Worker did not exit, killing",
				zap.Int("port", t.port),
				zap.Int("pid", t.proc.Pid()),
			)
			if err := t.proc.Kill(); err != nil {
				s.logger.Warn("Failed to kill worker", zap.Int("port", t.port), zap.Error(err))
			}
		}
		if !waitExited(targets, s.config.KillWait) {
			s.logger.Error("Workers still running after kill")
		}
	}

	for _, t := range targets {
		if t.proc == nil {
			continue
		}
		if err := t.proc.Close(); err != nil {
			s.logger.Debug("Failed to close worker log", zap.Int("port", t.port), zap.Error(err))
		}
	}

	s.sweepPorts(targets)
	s.clear()

	s.logger.Info("All workers stopped")
}

// waitExited blocks until every process has exited or d elapses.
func waitExited(targets []stopTarget, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for _, t := range targets {
		if t.proc == nil {
			continue
		}
		select {
		case <-t.proc.Done():
		case <-timer.C:
			return false
		}
	}
	return true
}

// sweepPorts kills any process still bound to a worker port, such as a
// grandchild that left the worker's process group.
func (s *Supervisor) sweepPorts(targets []stopTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	self := os.Getpid()
	for _, t := range targets {
		pids, err := s.portOwners(ctx, t.port)
		if err != nil {
			s.logger.Debug("Port lookup failed", zap.Int("port", t.port), zap.Error(err))
			continue
		}
		for _, pid := range pids {
			if int(pid) == self {
				continue
			}
			if err := s.killPID(int(pid)); err != nil {
				s.logger.Warn("Failed to kill orphan process",
					zap.Int("port", t.port),
					zap.Int32("pid", pid),
					zap.Error(err),
				)
				continue
			}
			s.logger.Warn("Killed orphan process", zap.Int("port", t.port), zap.Int32("pid", pid))
		}
	}
}

func (s *Supervisor) clear() {
	s.mu.Lock()
	s.workers = nil
	s.sessions = make(map[string]int)
	s.cursor = 0
	s.mu.Unlock()

	s.publish()
}
