package scheduler

import (
	"time"

	logx "cadence/pkg/logx"
)

const warnThrottle = 30 * time.Second

// warnThrottled logs at most one warning per key per warnThrottle. Capacity
// and lease skips are normal under load and come in bursts.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		s.log.Debug(msg, fields...)
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, fields...)
}
