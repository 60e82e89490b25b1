package store

import (
	"fmt"
	"time"
)

// WebhookEvent logs every inbound webhook delivery, accepted or rejected
// (§6), and is the de-duplication record keyed on (provider, event_id).
type WebhookEvent struct {
	ID              string
	Provider        string
	EventID         string
	EventType       string
	RepoURL         string
	Branch          string
	CommitSHA       string
	SignatureValid  bool
	Status          string
	MatchedJobs     int
	TriggeredBuilds int
	PayloadSize     int
	ProcessingMS    int64
	OrgID           string
	CreatedAt       time.Time
}

// RecordWebhookEvent logs a delivery. Returns (false, nil) without
// inserting when (provider, event_id) was already recorded — the
// idempotent-delivery guarantee of §6/§8.
func (s *Store) RecordWebhookEvent(e *WebhookEvent) (inserted bool, err error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	sigValid := 0
	if e.SignatureValid {
		sigValid = 1
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_events
		(id, provider, event_id, event_type, repo_url, branch, commit_sha, signature_valid, status, matched_jobs, triggered_builds, payload_size, processing_ms, org_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Provider, e.EventID, e.EventType, e.RepoURL, e.Branch, e.CommitSHA, sigValid, e.Status, e.MatchedJobs, e.TriggeredBuilds, e.PayloadSize, e.ProcessingMS, e.OrgID, fmtTime(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("store: record webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// WebhookEventExists reports whether (provider, event_id) was already
// recorded, for callers that need to check before doing expensive job
// matching.
func (s *Store) WebhookEventExists(provider, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check webhook event: %w", err)
	}
	return n > 0, nil
}

// UpdateWebhookOutcome fills in the matched-job/triggered-build counts
// after job matching and dispatch have run.
func (s *Store) UpdateWebhookOutcome(id string, status string, matchedJobs, triggeredBuilds int, processingMS int64) error {
	_, err := s.db.Exec(`UPDATE webhook_events SET status = ?, matched_jobs = ?, triggered_builds = ?, processing_ms = ? WHERE id = ?`,
		status, matchedJobs, triggeredBuilds, processingMS, id)
	return err
}

// RetentionCounts reports how many rows a sweep would remove/removed per
// resource type, for the retention sweeper's metered output (§4.8).
type RetentionCounts map[string]int64

// SweepRetention deletes aged rows from every retained resource and
// returns how many rows were removed per table. Audit and secret-audit
// rows are deleted by age only, never by id range, so the remaining audit
// rows stay a contiguous tail of the hash chain (a truncated chain still
// verifies from its new first row forward; VerifyChain only checks internal
// consistency, not history since epoch).
func (s *Store) SweepRetention(olderThan time.Time) (RetentionCounts, error) {
	cutoff := fmtTime(olderThan)
	counts := RetentionCounts{}

	type sweep struct {
		table string
		col   string
	}
	for _, sw := range []sweep{
		{"audit_logs", "timestamp"},
		{"secret_audit", "created_at"},
		{"webhook_events", "created_at"},
	} {
		res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, sw.table, sw.col), cutoff)
		if err != nil {
			return counts, fmt.Errorf("store: sweep %s: %w", sw.table, err)
		}
		n, _ := res.RowsAffected()
		counts[sw.table] = n
	}

	// Builds (and their cascaded stages/steps/events/approval gates) are
	// only swept once terminal and past the cutoff.
	terminal := []string{string(StatusSuccess), string(StatusFailure), string(StatusAborted), string(StatusTimedOut)}
	placeholders := "?,?,?,?"
	rows, err := s.db.Query(`SELECT id FROM builds WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN (`+placeholders+`)`,
		append([]any{cutoff}, toAny(terminal)...)...)
	if err != nil {
		return counts, fmt.Errorf("store: find sweepable builds: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return counts, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var removed int64
	for _, id := range ids {
		if err := s.purgeBuild(id); err != nil {
			return counts, err
		}
		removed++
	}
	counts["builds"] = removed
	return counts, nil
}

func (s *Store) purgeBuild(buildID string) error {
	for _, table := range []string{"build_events", "build_steps", "build_stages", "artifacts", "approval_responses", "approval_gates", "builds"} {
		var err error
		switch table {
		case "approval_responses":
			_, err = s.db.Exec(`DELETE FROM approval_responses WHERE gate_id IN (SELECT id FROM approval_gates WHERE build_id = ?)`, buildID)
		case "builds":
			_, err = s.db.Exec(`DELETE FROM builds WHERE id = ?`, buildID)
		default:
			_, err = s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE build_id = ?`, table), buildID)
		}
		if err != nil {
			return fmt.Errorf("store: purge build %s from %s: %w", buildID, table, err)
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
