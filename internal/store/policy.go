package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PolicyRow is one stored policy (§4.9): branch-restriction, time-window,
// docker-image, or plugin-trust, keyed by org and ordered by priority.
type PolicyRow struct {
	ID        string
	OrgID     string
	Kind      string
	Priority  int
	Config    map[string]interface{}
	CreatedAt time.Time
}

// CreatePolicy inserts a new policy row.
func (s *Store) CreatePolicy(p *PolicyRow) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("store: marshal policy config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO policies (id, org_id, kind, priority, config_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Kind, p.Priority, string(cfg), fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create policy: %w", err)
	}
	return nil
}

// ListPoliciesByOrg returns every policy for an org, ordered ascending by
// priority then creation order (§4.6 step 3 tie-break).
func (s *Store) ListPoliciesByOrg(orgID string, kind string) ([]*PolicyRow, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.db.Query(`SELECT id, org_id, kind, priority, config_json, created_at FROM policies WHERE org_id = ? ORDER BY priority ASC, created_at ASC`, orgID)
	} else {
		rows, err = s.db.Query(`SELECT id, org_id, kind, priority, config_json, created_at FROM policies WHERE org_id = ? AND kind = ? ORDER BY priority ASC, created_at ASC`, orgID, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list policies: %w", err)
	}
	defer rows.Close()

	var out []*PolicyRow
	for rows.Next() {
		var p PolicyRow
		var cfg, createdAt string
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Kind, &p.Priority, &cfg, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(cfg), &p.Config)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// RecordPolicyEvaluation persists one policy decision against a build, for
// audit/debugging of why a build was allowed or denied.
func (s *Store) RecordPolicyEvaluation(buildID, policyID, decision, reason string) error {
	_, err := s.db.Exec(`INSERT INTO policy_evaluations (id, build_id, policy_id, decision, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		NewID(), buildID, policyID, decision, reason, fmtTime(time.Now().UTC()))
	return err
}
