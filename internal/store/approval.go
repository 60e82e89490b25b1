package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalStatus is a gate's lifecycle state (§3).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed-out"
)

// Decision is one user's response to an approval gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalGate is a suspension point requiring one or more qualified user
// decisions before a stage may proceed (§3).
type ApprovalGate struct {
	ID             string
	BuildID        string
	StageName      string
	Status         ApprovalStatus
	RequiredRole   string
	ApproverGroup  []string
	MinApprovals   int
	TimeoutMinutes int
	CreatedAt      time.Time
}

// ApprovalResponse is one user's recorded decision against a gate.
type ApprovalResponse struct {
	ID        string
	GateID     string
	UserID     string
	Decision   Decision
	CreatedAt time.Time
}

// CreateApprovalGate inserts a new gate, unique on (build_id, stage_name).
// Per §9 open question (c), a gate created with an empty approver group
// and min_approvals > 1 is immediately unsatisfiable; the caller (internal/policy)
// is expected to mark it rejected right away rather than this layer
// special-casing it.
func (s *Store) CreateApprovalGate(g *ApprovalGate) error {
	if g.ID == "" {
		g.ID = NewID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Status == "" {
		g.Status = ApprovalPending
	}
	group, _ := json.Marshal(g.ApproverGroup)
	_, err := s.db.Exec(`INSERT INTO approval_gates (id, build_id, stage_name, status, required_role, approver_group_json, min_approvals, timeout_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.BuildID, g.StageName, string(g.Status), g.RequiredRole, string(group), g.MinApprovals, g.TimeoutMinutes, fmtTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create approval gate: %w", err)
	}
	return nil
}

func scanApprovalGate(sc interface{ Scan(...any) error }) (*ApprovalGate, error) {
	var g ApprovalGate
	var group, createdAt string
	if err := sc.Scan(&g.ID, &g.BuildID, &g.StageName, &g.Status, &g.RequiredRole, &group, &g.MinApprovals, &g.TimeoutMinutes, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(group), &g.ApproverGroup)
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

const gateColumns = `id, build_id, stage_name, status, required_role, approver_group_json, min_approvals, timeout_minutes, created_at`

// GetApprovalGate looks up the gate for (build_id, stage_name).
func (s *Store) GetApprovalGate(buildID, stageName string) (*ApprovalGate, error) {
	row := s.db.QueryRow(`SELECT `+gateColumns+` FROM approval_gates WHERE build_id = ? AND stage_name = ?`, buildID, stageName)
	g, err := scanApprovalGate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get approval gate: %w", err)
	}
	return g, nil
}

// ListPendingApprovalGates returns every gate still awaiting a decision,
// for the timeout sweeper (§4.9).
func (s *Store) ListPendingApprovalGates() ([]*ApprovalGate, error) {
	rows, err := s.db.Query(`SELECT `+gateColumns+` FROM approval_gates WHERE status = ?`, string(ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("store: list pending gates: %w", err)
	}
	defer rows.Close()
	var out []*ApprovalGate
	for rows.Next() {
		g, err := scanApprovalGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetApprovalGateStatus transitions a gate's status. Never called with
// ApprovalPending as the target — transitions never return to pending (§3).
func (s *Store) SetApprovalGateStatus(gateID string, status ApprovalStatus) error {
	_, err := s.db.Exec(`UPDATE approval_gates SET status = ? WHERE id = ?`, string(status), gateID)
	return err
}

// RecordApprovalResponse records a user's decision. A user may respond at
// most once (UNIQUE(gate_id, user_id)); a repeat call is rejected by the
// caller checking ListApprovalResponses first, or will simply fail the
// unique constraint here.
func (s *Store) RecordApprovalResponse(r *ApprovalResponse) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO approval_responses (id, gate_id, user_id, decision, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.GateID, r.UserID, string(r.Decision), fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: record approval response: %w", err)
	}
	return nil
}

// ListApprovalResponses returns every response recorded against a gate.
func (s *Store) ListApprovalResponses(gateID string) ([]*ApprovalResponse, error) {
	rows, err := s.db.Query(`SELECT id, gate_id, user_id, decision, created_at FROM approval_responses WHERE gate_id = ?`, gateID)
	if err != nil {
		return nil, fmt.Errorf("store: list approval responses: %w", err)
	}
	defer rows.Close()
	var out []*ApprovalResponse
	for rows.Next() {
		var r ApprovalResponse
		var createdAt string
		if err := rows.Scan(&r.ID, &r.GateID, &r.UserID, &r.Decision, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
