package dispatch

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/store"
)

// Scheduler turns a job's `on.schedule[].interval` triggers (§4.3's
// workflow-format trigger translation) into queued builds. It is driven
// by an explicit Tick rather than its own goroutine, the same polling
// model as the Dispatcher's build-assignment loop: a schedule's interval
// is either a plain Go duration ("30m", "2h") or a standard five-field
// cron expression, dual-mode like a control plane's job scheduler.
type Scheduler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewScheduler builds a Scheduler bound to a store.
func NewScheduler(s *store.Store, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: s, logger: logger}
}

// Tick evaluates every persisted schedule and fires the ones that are
// due, recording a cron_runs row and queuing a new build for each.
func (sch *Scheduler) Tick(now time.Time) error {
	schedules, err := sch.store.ListCronSchedules()
	if err != nil {
		return fmt.Errorf("dispatch: list cron schedules: %w", err)
	}
	for _, c := range schedules {
		due, next, err := sch.evaluate(c, now)
		if err != nil {
			sch.logger.Warn("invalid cron schedule", zap.String("schedule_id", c.ID), zap.String("expression", c.Expression), zap.Error(err))
			continue
		}
		if !next.IsZero() {
			_ = sch.store.UpdateCronNextRun(c.ID, next)
		}
		if due {
			sch.fire(c)
		}
	}
	return nil
}

// evaluate reports whether c is due at now, and its next computed fire
// time (zero if indeterminate), anchored on its last firing (or its
// creation time, for a schedule that has never fired).
func (sch *Scheduler) evaluate(c *store.CronSchedule, now time.Time) (due bool, next time.Time, err error) {
	anchor := c.CreatedAt.UTC()
	if last, err := sch.store.LastCronRun(c.ID); err == nil && last != nil {
		anchor = last.RanAt.UTC()
	}

	if interval, err := time.ParseDuration(c.Expression); err == nil {
		if interval <= 0 {
			return false, time.Time{}, fmt.Errorf("interval must be > 0")
		}
		next = anchor.Add(interval)
		return !next.After(now.UTC()), next, nil
	}

	spec, err := cron.ParseStandard(c.Expression)
	if err != nil {
		return false, time.Time{}, err
	}
	next = spec.Next(anchor)
	return !next.After(now.UTC()), next, nil
}

// fire creates a new queued build for a due schedule's job. A store
// failure here only skips this firing; the schedule is re-evaluated on
// the next Tick.
func (sch *Scheduler) fire(c *store.CronSchedule) {
	job, err := sch.store.GetJob(c.JobID)
	if err != nil {
		sch.logger.Warn("cron fire: job not found", zap.String("schedule_id", c.ID), zap.String("job_id", c.JobID), zap.Error(err))
		return
	}

	build, err := sch.store.CreateBuild(job.ID, job.OrgID, store.TriggerScheduled, nil, nil)
	if err != nil {
		sch.logger.Error("cron fire: create build failed", zap.String("schedule_id", c.ID), zap.Error(err))
		return
	}
	if err := sch.store.RecordCronRun(&store.CronRun{ScheduleID: c.ID, BuildID: build.ID}); err != nil {
		sch.logger.Warn("cron fire: record run failed", zap.String("schedule_id", c.ID), zap.String("build_id", build.ID), zap.Error(err))
	}
	sch.logger.Info("scheduled build queued", zap.String("schedule_id", c.ID), zap.String("job_id", job.ID), zap.String("build_id", build.ID))
}

// SyncJob replaces a job's schedule rows with the ones declared by its
// current pipeline. Nothing in this module calls it when a job is created
// or saved; a job's schedules exist only after it has been passed here.
func (sch *Scheduler) SyncJob(job *store.Job) error {
	if err := sch.store.DeleteCronSchedulesForJob(job.ID); err != nil {
		return err
	}
	for _, t := range job.Pipeline.Triggers {
		if t.Kind != "schedule" || t.Interval == "" {
			continue
		}
		if _, _, err := sch.evaluate(&store.CronSchedule{Expression: t.Interval, CreatedAt: time.Now().UTC()}, time.Now().UTC()); err != nil {
			sch.logger.Warn("skipping schedule trigger with unparseable interval", zap.String("job_id", job.ID), zap.String("interval", t.Interval), zap.Error(err))
			continue
		}
		if err := sch.store.CreateCronSchedule(&store.CronSchedule{JobID: job.ID, Expression: t.Interval}); err != nil {
			return err
		}
	}
	return nil
}
