package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first interval run by a per-name jitter so jobs
// registered together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}
