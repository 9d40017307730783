package supervisor

import (
	"sort"

	"go.uber.org/zap"
)

// NextWorker picks the next active worker in round-robin order. The cursor
// indexes the active set as it is now, so it self-corrects when workers
// come and go.
func (s *Supervisor) NextWorker() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextLocked()
}

func (s *Supervisor) nextLocked() (int, bool) {
	active := make([]int, 0, len(s.workers))
	for _, w := range s.workers {
		if w.active {
			active = append(active, w.Port)
		}
	}
	if len(active) == 0 {
		return 0, false
	}

	port := active[s.cursor%uint64(len(active))]
	s.cursor++
	return port, true
}

// Resolve returns the worker owning sessionID. An existing entry is returned
// even if its worker has gone inactive, since sessions cannot migrate. An
// unknown session is assigned the next worker and recorded.
func (s *Supervisor) Resolve(sessionID string) (int, bool) {
	s.mu.Lock()
	if port, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		return port, true
	}

	port, ok := s.nextLocked()
	if ok {
		s.sessions[sessionID] = port
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("Assigned session to worker",
			zap.String("session_id", sessionID),
			zap.Int("port", port),
		)
		s.metrics.SessionsChanged(total)
	}
	return port, ok
}

// Bind records that sessionID lives on port. It is refused when port is not
// an active worker of this pool.
func (s *Supervisor) Bind(sessionID string, port int) bool {
	s.mu.Lock()
	known := false
	for _, w := range s.workers {
		if w.Port == port && w.active {
			known = true
			break
		}
	}
	if known {
		s.sessions[sessionID] = port
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if !known {
		s.logger.Warn("Refusing session bind to unavailable worker",
			zap.String("session_id", sessionID),
			zap.Int("port", port),
		)
		return false
	}

	s.logger.Info("Session bound to worker",
		zap.String("session_id", sessionID),
		zap.Int("port", port),
	)
	s.metrics.SessionsChanged(total)
	return true
}

// Status is the pool summary served on /health.
type Status struct {
	Status              string      `json:"status" yaml:"status"`
	ActiveWorkers       int         `json:"active_workers" yaml:"active_workers"`
	TotalWorkers        int         `json:"total_workers" yaml:"total_workers"`
	CrashedWorkers      []int       `json:"crashed_workers" yaml:"crashed_workers"`
	TotalSessions       int         `json:"total_sessions" yaml:"total_sessions"`
	SessionDistribution map[int]int `json:"session_distribution" yaml:"session_distribution"`
}

// Healthy reports whether at least one worker can take traffic.
func (st Status) Healthy() bool {
	return st.ActiveWorkers > 0
}

// Status returns a consistent snapshot of the pool and affinity table. The
// distribution is computed by scanning the table.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		TotalWorkers:        len(s.workers),
		CrashedWorkers:      []int{},
		TotalSessions:       len(s.sessions),
		SessionDistribution: make(map[int]int, len(s.workers)),
	}

	for _, w := range s.workers {
		st.SessionDistribution[w.Port] = 0
		if w.active {
			st.ActiveWorkers++
		} else {
			st.CrashedWorkers = append(st.CrashedWorkers, w.Port)
		}
	}
	for _, port := range s.sessions {
		st.SessionDistribution[port]++
	}
	sort.Ints(st.CrashedWorkers)

	st.Status = "unhealthy"
	if st.Healthy() {
		st.Status = "healthy"
	}
	return st
}
