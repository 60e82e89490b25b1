package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventRecord is one durable, append-only build-lifecycle event (§3, §4.5's
// "event log"). Unlike the in-process events.Bus, every EventRecord is
// synchronously persisted and never dropped.
type EventRecord struct {
	ID        string
	BuildID   string
	EventType string
	StageName string
	StepName  string
	Data      map[string]interface{}
	CreatedAt time.Time
}

// AppendEvent synchronously appends one event to the durable per-build log.
// Event ids are time-ordered, so `list-events(build-id, after-id)` can use
// a simple `id > ?` predicate (§4.5).
func (s *Store) AppendEvent(e *EventRecord) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("store: marshal event data: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO build_events (id, build_id, event_type, stage_name, step_name, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BuildID, e.EventType, e.StageName, e.StepName, string(data), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// ListEvents returns events for buildID strictly greater than afterID
// (empty afterID returns the whole ordered history), cheap thanks to the
// (build_id, id) index.
func (s *Store) ListEvents(buildID, afterID string) ([]*EventRecord, error) {
	var rows *sql.Rows
	var err error
	if afterID == "" {
		rows, err = s.db.Query(`SELECT id, build_id, event_type, stage_name, step_name, data_json, created_at FROM build_events WHERE build_id = ? ORDER BY id ASC`, buildID)
	} else {
		rows, err = s.db.Query(`SELECT id, build_id, event_type, stage_name, step_name, data_json, created_at FROM build_events WHERE build_id = ? AND id > ? ORDER BY id ASC`, buildID, afterID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var e EventRecord
		var data, createdAt string
		if err := rows.Scan(&e.ID, &e.BuildID, &e.EventType, &e.StageName, &e.StepName, &data, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(data), &e.Data)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
