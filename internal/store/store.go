// Package store implements the Persistence Layer (C8): the relational
// schema backing every entity in §3/§6, monotonic build numbering, the
// audit hash chain, cursor pagination, and a retention sweeper. A single
// pooled SQLite connection is used with the usual WAL + busy_timeout
// pattern; a RoutedDatasource lets reads go to an optional replica while
// writes always go to primary.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/chengis-ci/chengis/internal/store/migration"
)

// schemaVersion is the current store schema version, bumped on additive
// migrations only (new tables/columns never remove existing ones).
const schemaVersion = 1

// Store is the persistence layer for the full §6 table list.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying *sql.DB for packages (e.g. secrets) that own
// their own tables against the same connection.
func (s *Store) DB() *sql.DB { return s.db }

// Open creates (or opens) a SQLite-backed Store at dbPath and ensures its
// full schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	// A single pooled connection keeps write ordering deterministic across
	// the dispatcher tick, the runner's per-build goroutine, and webhook
	// handlers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migration.EnsureVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure schema version: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orgs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			pipeline_json TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			source_branch TEXT NOT NULL DEFAULT '',
			next_build_number INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(org_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job_dependencies (
			job_id TEXT NOT NULL,
			depends_on_job_id TEXT NOT NULL,
			PRIMARY KEY (job_id, depends_on_job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			build_number INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			parameters_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			parent_build_id TEXT NOT NULL DEFAULT '',
			root_build_id TEXT NOT NULL DEFAULT '',
			attempt_number INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			UNIQUE(job_id, build_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_job_created ON builds(job_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status)`,
		`CREATE TABLE IF NOT EXISTS build_stages (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_stages_build ON build_stages(build_id)`,
		`CREATE TABLE IF NOT EXISTS build_steps (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_steps_build ON build_steps(build_id)`,
		`CREATE TABLE IF NOT EXISTS log_chunks (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_chunks_step ON log_chunks(step_id, seq)`,
		`CREATE TABLE IF NOT EXISTS build_events (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			stage_name TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			data_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_events_build_id ON build_events(build_id, id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_build ON artifacts(build_id)`,
		`CREATE TABLE IF NOT EXISTS secret_audit (
			id TEXT PRIMARY KEY,
			secret_name TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			pipeline_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(org_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_org_kind ON policies(org_id, kind, priority)`,
		`CREATE TABLE IF NOT EXISTS policy_evaluations (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_gates (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			status TEXT NOT NULL,
			required_role TEXT NOT NULL DEFAULT '',
			approver_group_json TEXT NOT NULL DEFAULT '[]',
			min_approvals INTEGER NOT NULL DEFAULT 1,
			timeout_minutes INTEGER NOT NULL DEFAULT 30,
			created_at TEXT NOT NULL,
			UNIQUE(build_id, stage_name)
		)`,
		`CREATE TABLE IF NOT EXISTS approval_responses (
			id TEXT PRIMARY KEY,
			gate_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(gate_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			entry_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON audit_logs(timestamp, id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			commit_sha TEXT NOT NULL DEFAULT '',
			signature_valid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			matched_jobs INTEGER NOT NULL DEFAULT 0,
			triggered_builds INTEGER NOT NULL DEFAULT 0,
			payload_size INTEGER NOT NULL DEFAULT 0,
			processing_ms INTEGER NOT NULL DEFAULT 0,
			org_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(provider, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_schedules (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			expression TEXT NOT NULL,
			next_run_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			build_id TEXT NOT NULL DEFAULT '',
			ran_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '[]',
			max_builds INTEGER NOT NULL DEFAULT 1,
			current_builds INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'online',
			org_id TEXT NOT NULL DEFAULT '',
			system_info TEXT NOT NULL DEFAULT '',
			last_heartbeat TEXT,
			breaker_state TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS docker_policies (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			pattern TEXT NOT NULL,
			action TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_policies (
			org_id TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			allowed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, plugin_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	return nil
}

// RoutedDatasource always writes to primary; reads go to the replica when
// one is configured, otherwise to primary too. Callers pick the
// appropriate handle explicitly rather than this routing the call itself,
// matching §4.8's stated contract.
type RoutedDatasource struct {
	primary *sql.DB
	replica *sql.DB
}

// NewRoutedDatasource wires primary (always used for writes) and an
// optional replica (used for reads when non-nil).
func NewRoutedDatasource(primary, replica *sql.DB) *RoutedDatasource {
	return &RoutedDatasource{primary: primary, replica: replica}
}

// Write returns the handle callers must use for any mutating statement.
func (r *RoutedDatasource) Write() *sql.DB { return r.primary }

// Read returns the replica handle if configured, otherwise primary.
func (r *RoutedDatasource) Read() *sql.DB {
	if r.replica != nil {
		return r.replica
	}
	return r.primary
}
