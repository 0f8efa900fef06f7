package scheduler

import (
	"errors"
	"time"

	"legendalf/internal/task/engine"
	logx "legendalf/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a rejected unit of work at most once per schedule
// per throttle window. A schedule still in flight is expected and only
// logged at debug.
func (s *Service) reportEnqueueError(id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule still in flight, skipped", logx.String("schedule", id))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue", logx.String("schedule", id), logx.Err(err))
}
