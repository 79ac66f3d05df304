package scheduler

import (
	"errors"
	"time"

	"engaged/internal/task/engine"
	logx "engaged/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a trigger that never reached a worker. Warnings are
// throttled per schedule since a full queue fails every trigger at once.
func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("trigger skipped; previous run still active", logx.String("schedule", name))
		return
	}
	if !s.allowEnqueueWarn(name, time.Now()) {
		return
	}
	s.log.Warn("trigger not enqueued", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) allowEnqueueWarn(name string, now time.Time) bool {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	if last, ok := s.lastEnqWarn[name]; ok && now.Sub(last) < enqueueWarnThrottle {
		return false
	}
	s.lastEnqWarn[name] = now
	return true
}
