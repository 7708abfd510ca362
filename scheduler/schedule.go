package scheduler

import "time"

// fixedRate is a cron.Schedule which fires first at 'first' and then every
// 'period' after it. Missed activations are skipped rather than stacked.
type fixedRate struct {
	first  time.Time
	period time.Duration
}

func (s fixedRate) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.period + 1
	return s.first.Add(n * s.period)
}
