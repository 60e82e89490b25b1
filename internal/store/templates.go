package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chengis-ci/chengis/internal/pipeline"
)

// Template is a named, org-scoped pipeline fragment other pipelines can
// extend (§3's `extends` field, resolved by internal/pipeline.Resolve).
type Template struct {
	ID        string
	OrgID     string
	Name      string
	Pipeline  pipeline.Pipeline
	CreatedAt time.Time
}

// CreateTemplate inserts a new template, unique on (org_id, name).
func (s *Store) CreateTemplate(t *Template) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	pj, err := json.Marshal(t.Pipeline)
	if err != nil {
		return fmt.Errorf("store: marshal template pipeline: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO templates (id, org_id, name, pipeline_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.OrgID, t.Name, string(pj), fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create template: %w", err)
	}
	return nil
}

// GetTemplateByName fetches a template by its (org, name) unique key.
func (s *Store) GetTemplateByName(orgID, name string) (*Template, error) {
	row := s.db.QueryRow(`SELECT id, org_id, name, pipeline_json, created_at FROM templates WHERE org_id = ? AND name = ?`, orgID, name)
	var t Template
	var pj, createdAt string
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &pj, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get template: %w", err)
	}
	if err := json.Unmarshal([]byte(pj), &t.Pipeline); err != nil {
		return nil, fmt.Errorf("store: unmarshal template pipeline: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// ListTemplatesByOrg returns every template belonging to an org.
func (s *Store) ListTemplatesByOrg(orgID string) ([]*Template, error) {
	rows, err := s.db.Query(`SELECT id, org_id, name, pipeline_json, created_at FROM templates WHERE org_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var t Template
		var pj, createdAt string
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &pj, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan template: %w", err)
		}
		_ = json.Unmarshal([]byte(pj), &t.Pipeline)
		t.CreatedAt = parseTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
