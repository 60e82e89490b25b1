package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Status is a build/stage/step lifecycle status (§3).
type Status string

const (
	StatusQueued          Status = "queued"
	StatusWaitingApproval  Status = "waiting-approval"
	StatusRunning          Status = "running"
	StatusSuccess          Status = "success"
	StatusFailure          Status = "failure"
	StatusAborted          Status = "aborted"
	StatusTimedOut         Status = "timed-out"
	StatusSkipped          Status = "skipped"
)

// Terminal reports whether s is an absorbing terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Trigger tags how a build was started (§3).
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerWebhook    Trigger = "webhook"
	TriggerScheduled  Trigger = "scheduled"
	TriggerDependency Trigger = "dependency"
	TriggerRetry      Trigger = "retry"
)

// Build is one execution attempt of a job's pipeline.
type Build struct {
	ID             string
	JobID          string
	OrgID          string
	BuildNumber    int
	Trigger        Trigger
	Parameters     map[string]string
	Status         Status
	AgentID        string
	FailedStep     string
	ExitCode       sql.NullInt64
	ErrorMessage   string
	ParentBuildID  string
	RootBuildID    string
	AttemptNumber  int
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// CreateBuild inserts a queued build row with an atomically-assigned build
// number (§4.6 step 1). parent may be nil for a first attempt.
func (s *Store) CreateBuild(jobID, orgID string, trigger Trigger, params map[string]string, parent *Build) (*Build, error) {
	num, err := s.NextBuildNumber(jobID)
	if err != nil {
		return nil, err
	}

	b := &Build{
		ID:          NewID(),
		JobID:       jobID,
		OrgID:       orgID,
		BuildNumber: num,
		Trigger:     trigger,
		Parameters:  params,
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if parent != nil {
		b.ParentBuildID = parent.ID
		b.AttemptNumber = parent.AttemptNumber + 1
		if parent.RootBuildID != "" {
			b.RootBuildID = parent.RootBuildID
		} else {
			b.RootBuildID = parent.ID
		}
	} else {
		b.AttemptNumber = 1
		b.RootBuildID = b.ID
	}

	paramsJSON, _ := json.Marshal(b.Parameters)
	_, err = s.db.Exec(`INSERT INTO builds
		(id, job_id, org_id, build_number, trigger, parameters_json, status, parent_build_id, root_build_id, attempt_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.JobID, b.OrgID, b.BuildNumber, string(b.Trigger), string(paramsJSON), string(b.Status),
		b.ParentBuildID, b.RootBuildID, b.AttemptNumber, fmtTime(b.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("store: create build: %w", err)
	}
	return b, nil
}

const buildColumns = `id, job_id, org_id, build_number, trigger, parameters_json, status, agent_id, failed_step, exit_code, error_message, parent_build_id, root_build_id, attempt_number, created_at, started_at, completed_at`

func scanBuild(sc interface{ Scan(...any) error }) (*Build, error) {
	var b Build
	var params, createdAt string
	var startedAt, completedAt sql.NullString
	if err := sc.Scan(&b.ID, &b.JobID, &b.OrgID, &b.BuildNumber, &b.Trigger, &params, &b.Status,
		&b.AgentID, &b.FailedStep, &b.ExitCode, &b.ErrorMessage, &b.ParentBuildID, &b.RootBuildID,
		&b.AttemptNumber, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(params), &b.Parameters)
	b.CreatedAt = parseTime(createdAt)
	b.StartedAt = parseTime(startedAt.String)
	b.CompletedAt = parseTime(completedAt.String)
	return &b, nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(id string) (*Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get build: %w", err)
	}
	return b, nil
}

// CASBuildStatus conditionally transitions a build from `from` to `to`,
// returning false (no error) if the row was not in `from` — the losing
// side of the dispatcher race described in §4.7 step 3 and §5.
func (s *Store) CASBuildStatus(id string, from, to Status) (bool, error) {
	var ts string
	switch to {
	case StatusRunning:
		ts = `started_at = ?,`
	}
	var res sql.Result
	var err error
	if ts != "" {
		res, err = s.db.Exec(`UPDATE builds SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(to), fmtTime(time.Now().UTC()), id, string(from))
	} else {
		res, err = s.db.Exec(`UPDATE builds SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("store: cas build status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AssignAgent sets the agent handling a running build.
func (s *Store) AssignAgent(buildID, agentID string) error {
	_, err := s.db.Exec(`UPDATE builds SET agent_id = ? WHERE id = ?`, agentID, buildID)
	return err
}

// FinishBuild writes the terminal outcome of a build (§4.6 step 7).
func (s *Store) FinishBuild(id string, status Status, failedStep string, exitCode *int, errMsg string) error {
	var ec sql.NullInt64
	if exitCode != nil {
		ec = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	_, err := s.db.Exec(`UPDATE builds SET status = ?, failed_step = ?, exit_code = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(status), failedStep, ec, errMsg, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("store: finish build: %w", err)
	}
	return nil
}

// RevertToQueued rolls a running build back to queued, used by orphan
// recovery (§4.7) — a no-op if the build has already reached a terminal
// status (an event-log observation wins over the in-memory fleet state).
func (s *Store) RevertToQueued(id string) (bool, error) {
	return s.CASBuildStatus(id, StatusRunning, StatusQueued)
}

// ListQueuedBuilds returns up to limit queued builds ordered oldest-first,
// for the dispatcher's per-tick batch (§4.7 step 1). Priority is modelled
// as 0 for every build today (no priority field is exposed yet); creation
// order alone determines the ordering.
func (s *Store) ListQueuedBuilds(limit int) ([]*Build, error) {
	rows, err := s.db.Query(`SELECT `+buildColumns+` FROM builds WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, string(StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list queued builds: %w", err)
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListRunningBuildsForAgent returns every build currently assigned to an agent.
func (s *Store) ListRunningBuildsForAgent(agentID string) ([]*Build, error) {
	rows, err := s.db.Query(`SELECT `+buildColumns+` FROM builds WHERE agent_id = ? AND status = ?`, agentID, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("store: list running builds: %w", err)
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBuildsByJob returns a cursor page of builds for a job, newest first.
func (s *Store) ListBuildsByJob(jobID string, limit int, after *Cursor) (Page[*Build], error) {
	var rows *sql.Rows
	var err error
	if after == nil {
		rows, err = s.db.Query(`SELECT `+buildColumns+` FROM builds WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, jobID, limit+1)
	} else {
		rows, err = s.db.Query(`SELECT `+buildColumns+` FROM builds WHERE job_id = ? AND (created_at < ? OR (created_at = ? AND id < ?)) ORDER BY created_at DESC, id DESC LIMIT ?`,
			jobID, fmtTime(after.Timestamp), fmtTime(after.Timestamp), after.ID, limit+1)
	}
	if err != nil {
		return Page[*Build]{}, fmt.Errorf("store: list builds by job: %w", err)
	}
	defer rows.Close()

	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return Page[*Build]{}, err
		}
		out = append(out, b)
	}
	return paginate(out, limit, func(b *Build) string { return b.ID }, func(b *Build) time.Time { return b.CreatedAt }), rows.Err()
}

// --- Stage / step results ---

// StageResult is one stage's outcome.
type StageResult struct {
	ID          string
	BuildID     string
	Name        string
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
}

// UpsertStageResult inserts or updates a stage's current status.
func (s *Store) UpsertStageResult(r *StageResult) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	_, err := s.db.Exec(`INSERT INTO build_stages (id, build_id, name, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at`,
		r.ID, r.BuildID, r.Name, string(r.Status), nullableTime(r.StartedAt), nullableTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("store: upsert stage result: %w", err)
	}
	return nil
}

// StepResult is one step's outcome.
type StepResult struct {
	ID          string
	BuildID     string
	StageName   string
	Name        string
	Status      Status
	ExitCode    sql.NullInt64
	Stdout      string
	Stderr      string
	DurationMS  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// UpsertStepResult inserts or updates a step's current result.
func (s *Store) UpsertStepResult(r *StepResult) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	_, err := s.db.Exec(`INSERT INTO build_steps (id, build_id, stage_name, name, status, exit_code, stdout, stderr, duration_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, exit_code = excluded.exit_code,
			stdout = excluded.stdout, stderr = excluded.stderr, duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at`,
		r.ID, r.BuildID, r.StageName, r.Name, string(r.Status), r.ExitCode, r.Stdout, r.Stderr, r.DurationMS,
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("store: upsert step result: %w", err)
	}
	return nil
}

// ListStepResults returns every step result recorded for a build.
func (s *Store) ListStepResults(buildID string) ([]*StepResult, error) {
	rows, err := s.db.Query(`SELECT id, build_id, stage_name, name, status, exit_code, stdout, stderr, duration_ms, started_at, completed_at
		FROM build_steps WHERE build_id = ? ORDER BY started_at ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("store: list step results: %w", err)
	}
	defer rows.Close()
	var out []*StepResult
	for rows.Next() {
		var r StepResult
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.BuildID, &r.StageName, &r.Name, &r.Status, &r.ExitCode, &r.Stdout, &r.Stderr, &r.DurationMS, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt.String)
		r.CompletedAt = parseTime(completedAt.String)
		out = append(out, &r)
	}
	return out, rows.Err()
}
