// Package maintenance purges expired export jobs on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/metrics"
)

// Defaults: 01:00 daily, jobs older than two days.
const (
	DefaultSchedule  = "0 1 * * *"
	DefaultRetention = 48 * time.Hour
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs VacuumExpired on its schedule.
type Scheduler struct {
	store     *db.Store
	schedule  cron.Schedule
	retention time.Duration
	now       func() time.Time
}

// New parses schedule and returns a Scheduler. Empty schedule and zero
// retention take the defaults.
func New(store *db.Store, schedule string, retention time.Duration) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("maintenance: store is required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: parse schedule %q: %w", schedule, err)
	}
	return &Scheduler{store: store, schedule: sched, retention: retention, now: time.Now}, nil
}

// Next returns the duration from now until the next scheduled run.
func (s *Scheduler) Next() time.Duration {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RunOnce deletes jobs created at or before now minus the retention window
// and returns how many were removed.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.VacuumExpired(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("maintenance: %w", err)
	}
	metrics.JobsVacuumed.Add(float64(n))
	logging.Info().Int64("jobs", n).Time("cutoff", cutoff).Msg("expired jobs purged")
	return n, nil
}

// Run blocks until ctx is cancelled, purging on every scheduled tick.
// A failed run is logged and retried at the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.Next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("scheduled vacuum failed")
			}
			timer.Reset(s.Next())
		}
	}
}
