package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an @every schedule by a per-tenant
// jitter so monitor jobs restored together do not all fire at once. After
// the first run it follows the base schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadEvery(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(window)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
