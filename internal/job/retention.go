package job

import (
	"time"

	"github.com/recapd/recapd/internal/logger"
)

// janitor periodically evicts terminal jobs whose retention window has
// expired, dropping both the job and its event buffer. Live jobs are never
// touched.
func (s *Service) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now().UTC())
		}
	}
}

// sweep removes terminal jobs older than the retention window.
func (s *Service) sweep(now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	var expired []string
	for id, j := range s.jobs {
		if j.State.Terminal() && j.FinishedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.hub.Remove(id)
	}
	if len(expired) > 0 {
		s.log.Debug("retention sweep", logger.Fields("evicted", len(expired)))
	}
}
