package store

import (
	"fmt"
	"time"
)

// ArtifactRecord is the persisted metadata row for a file collected by
// internal/artifacts.Store.Save; the file content itself lives on disk
// under the artifact store's root, keyed the same way.
type ArtifactRecord struct {
	ID          string
	BuildID     string
	Filename    string
	Path        string
	SizeBytes   int64
	ContentType string
	SHA256      string
	CreatedAt   time.Time
}

// RecordArtifact persists one artifact's metadata.
func (s *Store) RecordArtifact(a *ArtifactRecord) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO artifacts (id, build_id, filename, path, size_bytes, content_type, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BuildID, a.Filename, a.Path, a.SizeBytes, a.ContentType, a.SHA256, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns every artifact recorded for a build.
func (s *Store) ListArtifacts(buildID string) ([]*ArtifactRecord, error) {
	rows, err := s.db.Query(`SELECT id, build_id, filename, path, size_bytes, content_type, sha256, created_at FROM artifacts WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		var createdAt string
		if err := rows.Scan(&a.ID, &a.BuildID, &a.Filename, &a.Path, &a.SizeBytes, &a.ContentType, &a.SHA256, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// BuildCreationTimes returns a buildID -> created_at map for every known
// build, the shape internal/artifacts.Store.Sweep needs since the
// filesystem-only artifact store has no notion of build creation time
// itself.
func (s *Store) BuildCreationTimes() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT id, created_at FROM builds`)
	if err != nil {
		return nil, fmt.Errorf("store: build creation times: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, err
		}
		out[id] = parseTime(createdAt)
	}
	return out, rows.Err()
}
