package policy

import (
	"fmt"
	"time"

	"github.com/chengis-ci/chengis/internal/store"
)

// Approvals implements the multi-approver gate tally of §4.9, following a
// Submit/Decide/evictExpiredLocked shape but backed by the durable store
// instead of an in-memory map, since a gate must survive a master restart
// while a build sits suspended.
type Approvals struct {
	store *store.Store
}

// NewApprovals wraps a store for approval-gate creation, response tally,
// and timeout sweeping.
func NewApprovals(s *store.Store) *Approvals {
	return &Approvals{store: s}
}

// Open creates a gate for a stage and immediately resolves the
// unsatisfiable case from §9 open question (c): an empty approver group
// can never reach min_approvals > 1, so it is rejected at creation
// instead of sitting pending forever.
func (a *Approvals) Open(buildID, stageName, requiredRole string, approverGroup []string, minApprovals, timeoutMinutes int) (*store.ApprovalGate, error) {
	g := &store.ApprovalGate{
		BuildID:        buildID,
		StageName:      stageName,
		RequiredRole:   requiredRole,
		ApproverGroup:  approverGroup,
		MinApprovals:   minApprovals,
		TimeoutMinutes: timeoutMinutes,
	}
	if len(approverGroup) < minApprovals {
		g.Status = store.ApprovalRejected
	}
	if err := a.store.CreateApprovalGate(g); err != nil {
		return nil, fmt.Errorf("policy: open approval gate: %w", err)
	}
	return g, nil
}

// Respond records one user's decision and re-tallies the gate, applying
// §4.9's transition rules in order:
//
//	approvals >= min_approvals          -> approved
//	len(group) - rejections < min_approvals -> rejected (unwinnable)
//
// A response against a gate that is no longer pending is refused; gate
// status never reverts to pending once decided (§3).
func (a *Approvals) Respond(gateID, userID string, decision store.Decision) (*store.ApprovalGate, error) {
	gate, err := a.storeGate(gateID)
	if err != nil {
		return nil, err
	}
	if gate.Status != store.ApprovalPending {
		return nil, fmt.Errorf("policy: gate %s already %s", gateID, gate.Status)
	}
	if decision != store.DecisionApprove && decision != store.DecisionReject {
		return nil, fmt.Errorf("policy: invalid decision %q", decision)
	}
	if !isApprover(gate.ApproverGroup, userID) {
		return nil, fmt.Errorf("policy: user %s is not an approver for gate %s", userID, gateID)
	}

	if err := a.store.RecordApprovalResponse(&store.ApprovalResponse{GateID: gateID, UserID: userID, Decision: decision}); err != nil {
		return nil, fmt.Errorf("policy: record response: %w", err)
	}
	return a.tally(gate)
}

// tally recomputes a gate's status from every recorded response and
// persists the transition, if any.
func (a *Approvals) tally(gate *store.ApprovalGate) (*store.ApprovalGate, error) {
	responses, err := a.store.ListApprovalResponses(gate.ID)
	if err != nil {
		return nil, fmt.Errorf("policy: list responses: %w", err)
	}
	var approvals, rejections int
	for _, r := range responses {
		switch r.Decision {
		case store.DecisionApprove:
			approvals++
		case store.DecisionReject:
			rejections++
		}
	}

	switch {
	case approvals >= gate.MinApprovals:
		gate.Status = store.ApprovalApproved
	case len(gate.ApproverGroup)-rejections < gate.MinApprovals:
		gate.Status = store.ApprovalRejected
	default:
		return gate, nil
	}

	if err := a.store.SetApprovalGateStatus(gate.ID, gate.Status); err != nil {
		return nil, fmt.Errorf("policy: set gate status: %w", err)
	}
	return gate, nil
}

// SweepTimeouts transitions every pending gate older than its own
// timeout_minutes to timed-out. Intended to run on a periodic tick
// alongside the retention sweep.
func (a *Approvals) SweepTimeouts(now time.Time) (int, error) {
	pending, err := a.store.ListPendingApprovalGates()
	if err != nil {
		return 0, fmt.Errorf("policy: list pending gates: %w", err)
	}
	var n int
	for _, g := range pending {
		if g.TimeoutMinutes <= 0 {
			continue
		}
		deadline := g.CreatedAt.Add(time.Duration(g.TimeoutMinutes) * time.Minute)
		if now.After(deadline) {
			if err := a.store.SetApprovalGateStatus(g.ID, store.ApprovalTimedOut); err != nil {
				return n, fmt.Errorf("policy: timeout gate %s: %w", g.ID, err)
			}
			n++
		}
	}
	return n, nil
}

func (a *Approvals) storeGate(gateID string) (*store.ApprovalGate, error) {
	gates, err := a.store.ListPendingApprovalGates()
	if err != nil {
		return nil, fmt.Errorf("policy: find gate %s: %w", gateID, err)
	}
	for _, g := range gates {
		if g.ID == gateID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("policy: gate %s not pending or not found", gateID)
}

func isApprover(group []string, userID string) bool {
	if len(group) == 0 {
		return false
	}
	for _, u := range group {
		if u == userID {
			return true
		}
	}
	return false
}
