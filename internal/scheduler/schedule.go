package scheduler

import (
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"
)

const DefaultBatchSchedule = "@every 5m"

// BatchSchedule decides when queued jobs are grouped into one submission. It
// is evaluated against wall-clock time, not against ticks.
type BatchSchedule struct {
	spec  string
	sched cron.Schedule
}

// ParseBatchSchedule accepts standard cron specs and descriptors such as
// "@every 5m" or "*/10 * * * *".
func ParseBatchSchedule(spec string) (*BatchSchedule, error) {
	if spec == "" {
		spec = DefaultBatchSchedule
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("batch schedule %q: %w", spec, err)
	}
	return &BatchSchedule{spec: spec, sched: s}, nil
}

// EveryBatch builds a fixed-interval schedule.
func EveryBatch(d time.Duration) *BatchSchedule {
	return &BatchSchedule{spec: "@every " + d.String(), sched: cron.Every(d)}
}

// Due reports whether a batch build is owed at now, given the last check.
func (b *BatchSchedule) Due(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(b.sched.Next(last))
}

func (b *BatchSchedule) String() string { return b.spec }
