package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis-ci/chengis/internal/pipeline"
)

// Job is a named, versioned pipeline belonging to an org (§3).
type Job struct {
	ID              string
	OrgID           string
	Name            string
	Pipeline        pipeline.Pipeline
	SourceURL       string
	SourceBranch    string
	NextBuildNumber int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateJob inserts a new job row. (org_id, name) must be unique.
func (s *Store) CreateJob(j *Job) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.NextBuildNumber == 0 {
		j.NextBuildNumber = 1
	}
	pj, err := json.Marshal(j.Pipeline)
	if err != nil {
		return fmt.Errorf("store: marshal pipeline: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (id, org_id, name, pipeline_json, source_url, source_branch, next_build_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OrgID, j.Name, string(pj), j.SourceURL, j.SourceBranch, j.NextBuildNumber, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, org_id, name, pipeline_json, source_url, source_branch, next_build_number, created_at, updated_at FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobByName fetches a job by its (org, name) unique key.
func (s *Store) GetJobByName(orgID, name string) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, org_id, name, pipeline_json, source_url, source_branch, next_build_number, created_at, updated_at FROM jobs WHERE org_id = ? AND name = ?`, orgID, name)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var pj, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.OrgID, &j.Name, &pj, &j.SourceURL, &j.SourceBranch, &j.NextBuildNumber, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(pj), &j.Pipeline); err != nil {
		return nil, fmt.Errorf("store: unmarshal pipeline: %w", err)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

// ListJobsByOrg returns every job belonging to an org, ordered by name.
func (s *Store) ListJobsByOrg(orgID string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, org_id, name, pipeline_json, source_url, source_branch, next_build_number, created_at, updated_at FROM jobs WHERE org_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var pj, createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.OrgID, &j.Name, &pj, &j.SourceURL, &j.SourceBranch, &j.NextBuildNumber, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		_ = json.Unmarshal([]byte(pj), &j.Pipeline)
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ListJobsBySourceURL returns every job (across every org) whose
// `source.url` matches, for inbound webhook job matching (§6): a webhook
// delivery carries a repository URL but no org id, so matching must scan
// across orgs rather than go through GetJobByName's (org, name) key.
func (s *Store) ListJobsBySourceURL(url string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, org_id, name, pipeline_json, source_url, source_branch, next_build_number, created_at, updated_at FROM jobs WHERE source_url = ? ORDER BY name`, url)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs by source url: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var pj, createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.OrgID, &j.Name, &pj, &j.SourceURL, &j.SourceBranch, &j.NextBuildNumber, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		_ = json.Unmarshal([]byte(pj), &j.Pipeline)
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}

// NextBuildNumber atomically assigns the next build number for jobID,
// emulating the per-job advisory lock of §4.6 step 1: a SQLite write
// transaction on the single pooled connection serialises concurrent
// callers, so the read-increment-write below cannot race.
func (s *Store) NextBuildNumber(jobID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin build-number tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT next_build_number FROM jobs WHERE id = ?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: read next_build_number: %w", err)
	}
	if _, err := tx.Exec(`UPDATE jobs SET next_build_number = ?, updated_at = ? WHERE id = ?`, n+1, fmtTime(time.Now().UTC()), jobID); err != nil {
		return 0, fmt.Errorf("store: bump next_build_number: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit build-number tx: %w", err)
	}
	return n, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(t), Valid: true}
}
