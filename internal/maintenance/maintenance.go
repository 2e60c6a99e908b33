// Copyright 2025 James Ross
// Package maintenance runs the outbox's retention cleanup on a cron
// schedule, grounded on the teacher's exactly-once-patterns cleanup
// concept but expressed as a real cron schedule rather than a fixed
// ticker, using the robfig/cron/v3 dependency the wider pack already
// carries.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/outboxlabs/outbox/internal/obs"
	"github.com/outboxlabs/outbox/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job periodically purges terminal entries past the retention window.
type Job struct {
	store     store.Store
	retention time.Duration
	log       *zap.Logger
	cron      *cron.Cron
}

// New builds a Job. retention is how long a done/failed entry is kept
// before the next scheduled run deletes it.
func New(s store.Store, retention time.Duration, log *zap.Logger) *Job {
	return &Job{store: s, retention: retention, log: log, cron: cron.New()}
}

// Start schedules RunOnce per schedule (a standard five-field cron
// expression, or one of cron's @every/@daily style descriptors) and starts
// the cron scheduler's own goroutine.
func (j *Job) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, j.runOnce); err != nil {
		return fmt.Errorf("maintenance: invalid schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	return nil
}

// Stop cancels the cron scheduler and waits for any in-flight run to
// finish.
func (j *Job) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce purges terminal entries past the retention window immediately,
// independent of the cron schedule; Start's recurring calls use the same
// path.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	n, err := j.store.PurgeTerminal(ctx, j.retention, time.Now())
	if err != nil {
		return 0, fmt.Errorf("maintenance: purge terminal: %w", err)
	}
	if n > 0 {
		j.log.Info("purged terminal entries past retention", obs.Int("count", n))
	}
	return n, nil
}

func (j *Job) runOnce() {
	if _, err := j.RunOnce(context.Background()); err != nil {
		j.log.Warn("retention cleanup failed", obs.Err(err))
	}
}
