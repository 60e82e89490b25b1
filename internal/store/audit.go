package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// AuditEntry is one hash-chained audit row (§3). PrevHash/EntryHash are
// computed by Append; callers never set them.
type AuditEntry struct {
	ID           string
	Timestamp    time.Time
	OrgID        string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       string
	PrevHash     string
	EntryHash    string
}

// auditMu serialises chain appends so entry N+1's prev_hash always matches
// entry N's entry_hash even under concurrent writers.
var auditMu sync.Mutex

// AppendAudit computes entry.EntryHash from the immediately preceding
// row's hash and a canonical, key-sorted encoding of entry's own fields,
// then inserts the row. H = SHA-256 hex (§3).
func (s *Store) AppendAudit(entry AuditEntry) (*AuditEntry, error) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	prevHash, err := s.lastEntryHash()
	if err != nil {
		return nil, err
	}
	entry.PrevHash = prevHash
	entry.EntryHash = computeEntryHash(prevHash, entry)

	_, err = s.db.Exec(`INSERT INTO audit_logs (id, timestamp, org_id, user_id, action, resource_type, resource_id, detail, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, fmtTime(entry.Timestamp), entry.OrgID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Detail, entry.PrevHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("store: append audit: %w", err)
	}
	return &entry, nil
}

func (s *Store) lastEntryHash() (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT entry_hash FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read last audit hash: %w", err)
	}
	return hash, nil
}

// computeEntryHash = H(prev-hash ‖ canonical(row-minus-hashes)); the
// canonical form is a key-sorted `key=value` join so the same logical row
// always hashes the same way regardless of struct field order.
func computeEntryHash(prevHash string, e AuditEntry) string {
	fields := map[string]string{
		"id":            e.ID,
		"timestamp":     fmtTime(e.Timestamp),
		"org_id":        e.OrgID,
		"user_id":       e.UserID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"detail":        e.Detail,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prevHash)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ListAudit returns every audit row ordered by timestamp ascending — the
// order VerifyChain requires.
func (s *Store) ListAudit() ([]AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, org_id, user_id, action, resource_type, resource_id, detail, prev_hash, entry_hash FROM audit_logs ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.OrgID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Detail, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain re-derives every entry_hash in ascending timestamp order and
// reports the index of the first row whose stored hash no longer matches,
// or -1 if the whole chain verifies (§4.8, §7 integrity errors).
func (s *Store) VerifyChain() (ok bool, brokenIndex int, err error) {
	entries, err := s.ListAudit()
	if err != nil {
		return false, -1, err
	}
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return false, i, nil
		}
		want := computeEntryHash(prev, e)
		if want != e.EntryHash {
			return false, i, nil
		}
		prev = e.EntryHash
	}
	return true, -1, nil
}

// --- Secret audit (§4.2) ---

// SecretAuditEntry is one secret-access audit row.
type SecretAuditEntry struct {
	SecretName string
	Scope      string
	Action     string
	UserID     string
	IP         string
	Detail     string
}

// AppendSecretAudit records a secret-access row. This is the store-backed
// sink wired into secrets.Resolver via secrets.AuditSink.
func (s *Store) AppendSecretAudit(e SecretAuditEntry) error {
	_, err := s.db.Exec(`INSERT INTO secret_audit (id, secret_name, scope, action, user_id, ip, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		NewID(), e.SecretName, e.Scope, e.Action, e.UserID, e.IP, e.Detail, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: append secret audit: %w", err)
	}
	return nil
}
