package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CronSchedule is one `on.schedule[].interval` entry normalised out of a
// job's pipeline definition (§4.3's workflow-format trigger translation).
type CronSchedule struct {
	ID         string
	JobID      string
	Expression string
	NextRunAt  time.Time
	CreatedAt  time.Time
}

// CronRun records one firing of a schedule, linking it to the build it
// created (if any) for idempotent skip-if-already-fired checks.
type CronRun struct {
	ID         string
	ScheduleID string
	BuildID    string
	RanAt      time.Time
}

// CreateCronSchedule inserts a new schedule row.
func (s *Store) CreateCronSchedule(c *CronSchedule) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO cron_schedules (id, job_id, expression, next_run_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.Expression, nullableTime(c.NextRunAt), fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create cron schedule: %w", err)
	}
	return nil
}

// ListCronSchedules returns every schedule, oldest first; Scheduler.Tick
// reads the full list on every tick.
func (s *Store) ListCronSchedules() ([]*CronSchedule, error) {
	rows, err := s.db.Query(`SELECT id, job_id, expression, next_run_at, created_at FROM cron_schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list cron schedules: %w", err)
	}
	defer rows.Close()

	var out []*CronSchedule
	for rows.Next() {
		c, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCronSchedulesForJob removes every schedule for a job, used by
// Scheduler.SyncJob before it writes the job's current `on.schedule` entries.
func (s *Store) DeleteCronSchedulesForJob(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM cron_schedules WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("store: delete cron schedules for job %s: %w", jobID, err)
	}
	return nil
}

// UpdateCronNextRun records the schedule's next computed fire time.
func (s *Store) UpdateCronNextRun(id string, next time.Time) error {
	_, err := s.db.Exec(`UPDATE cron_schedules SET next_run_at = ? WHERE id = ?`, nullableTime(next), id)
	if err != nil {
		return fmt.Errorf("store: update cron next run: %w", err)
	}
	return nil
}

// RecordCronRun logs one firing of a schedule and the build it produced.
func (s *Store) RecordCronRun(r *CronRun) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.RanAt.IsZero() {
		r.RanAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO cron_runs (id, schedule_id, build_id, ran_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.ScheduleID, r.BuildID, fmtTime(r.RanAt))
	if err != nil {
		return fmt.Errorf("store: record cron run: %w", err)
	}
	return nil
}

// LastCronRun returns the most recent firing of a schedule, or
// (nil, nil) if it has never fired — used to avoid double-firing a
// schedule across a dispatcher restart within the same tick window.
func (s *Store) LastCronRun(scheduleID string) (*CronRun, error) {
	row := s.db.QueryRow(`SELECT id, schedule_id, build_id, ran_at FROM cron_runs WHERE schedule_id = ? ORDER BY ran_at DESC LIMIT 1`, scheduleID)
	var r CronRun
	var ranAt string
	if err := row.Scan(&r.ID, &r.ScheduleID, &r.BuildID, &ranAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: last cron run: %w", err)
	}
	r.RanAt = parseTime(ranAt)
	return &r, nil
}

func scanCronSchedule(rows *sql.Rows) (*CronSchedule, error) {
	var c CronSchedule
	var nextRun sql.NullString
	var createdAt string
	if err := rows.Scan(&c.ID, &c.JobID, &c.Expression, &nextRun, &createdAt); err != nil {
		return nil, fmt.Errorf("store: scan cron schedule: %w", err)
	}
	if nextRun.Valid {
		c.NextRunAt = parseTime(nextRun.String)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
