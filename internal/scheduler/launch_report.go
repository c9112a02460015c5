package scheduler

import (
	"errors"
	"time"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

const launchWarnThrottle = 5 * time.Second

func (s *Service) reportLaunchError(eventID string, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, jobs.ErrStopped) {
		s.log.Debug("scheduled launch skipped", logx.String("event", eventID), logx.Err(err))
		return
	}
	s.warnThrottled("launch:"+eventID, "scheduled launch failed", logx.String("event", eventID), logx.Err(err))
}

func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < launchWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn(msg, fields...)
}
