package store

import "fmt"

// LogChunk is one buffered slice of a step's output, as flushed by the
// executor's line buffer (§4.1 point 4: ≤4KiB or a 200ms idle flush).
type LogChunk struct {
	ID     string
	StepID string
	Seq    int
	Stream string
	Data   string
}

// AppendLogChunk persists one flushed output chunk for a step.
func (s *Store) AppendLogChunk(c *LogChunk) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	_, err := s.db.Exec(`INSERT INTO log_chunks (id, step_id, seq, stream, data) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.StepID, c.Seq, c.Stream, c.Data)
	if err != nil {
		return fmt.Errorf("store: append log chunk: %w", err)
	}
	return nil
}

// ListLogChunks returns every chunk recorded for a step, in flush order.
func (s *Store) ListLogChunks(stepID string) ([]*LogChunk, error) {
	rows, err := s.db.Query(`SELECT id, step_id, seq, stream, data FROM log_chunks WHERE step_id = ? ORDER BY seq ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("store: list log chunks: %w", err)
	}
	defer rows.Close()

	var out []*LogChunk
	for rows.Next() {
		var c LogChunk
		if err := rows.Scan(&c.ID, &c.StepID, &c.Seq, &c.Stream, &c.Data); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
