package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentStatus is an agent's fleet-membership state (§3).
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDraining AgentStatus = "draining"
)

// Agent is a remote executor record, durably mirrored for recovery (§4.7).
type Agent struct {
	ID            string
	Name          string
	URL           string
	Labels        []string
	MaxBuilds     int
	CurrentBuilds int
	Status        AgentStatus
	OrgID         string
	SystemInfo    string
	LastHeartbeat time.Time
	BreakerState  string // JSON-encoded, owned by internal/dispatch
	CreatedAt     time.Time
}

// UpsertAgent inserts a new agent or updates an existing one by id,
// using the store's usual ON CONFLICT upsert idiom.
func (s *Store) UpsertAgent(a *Agent) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	labels, _ := json.Marshal(a.Labels)
	_, err := s.db.Exec(`INSERT INTO agents (id, name, url, labels_json, max_builds, current_builds, status, org_id, system_info, last_heartbeat, breaker_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, url = excluded.url, labels_json = excluded.labels_json,
			max_builds = excluded.max_builds, org_id = excluded.org_id, system_info = excluded.system_info`,
		a.ID, a.Name, a.URL, string(labels), a.MaxBuilds, a.CurrentBuilds, string(a.Status), a.OrgID, a.SystemInfo,
		nullableTime(a.LastHeartbeat), a.BreakerState, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}
	return nil
}

func scanAgent(sc interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var labels, createdAt string
	var lastHB sql.NullString
	if err := sc.Scan(&a.ID, &a.Name, &a.URL, &labels, &a.MaxBuilds, &a.CurrentBuilds, &a.Status, &a.OrgID, &a.SystemInfo, &lastHB, &a.BreakerState, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(labels), &a.Labels)
	a.LastHeartbeat = parseTime(lastHB.String)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

const agentColumns = `id, name, url, labels_json, max_builds, current_builds, status, org_id, system_info, last_heartbeat, breaker_state, created_at`

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every known agent.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat updates an agent's liveness and reported capacity.
func (s *Store) Heartbeat(id string, currentBuilds int, systemInfo string) error {
	_, err := s.db.Exec(`UPDATE agents SET current_builds = ?, system_info = COALESCE(NULLIF(?, ''), system_info), last_heartbeat = ? WHERE id = ?`,
		currentBuilds, systemInfo, fmtTime(time.Now().UTC()), id)
	return err
}

// SetAgentStatus transitions an agent between online/offline/draining.
func (s *Store) SetAgentStatus(id string, status AgentStatus) error {
	_, err := s.db.Exec(`UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// SetAgentBreakerState persists the circuit breaker's serialized state,
// owned and interpreted by internal/dispatch.
func (s *Store) SetAgentBreakerState(id, state string) error {
	_, err := s.db.Exec(`UPDATE agents SET breaker_state = ? WHERE id = ?`, state, id)
	return err
}

// IncrementCurrentBuilds adjusts an agent's live build count by delta
// (positive on assignment, negative on completion/orphan-recovery).
func (s *Store) IncrementCurrentBuilds(id string, delta int) error {
	_, err := s.db.Exec(`UPDATE agents SET current_builds = MAX(0, current_builds + ?) WHERE id = ?`, delta, id)
	return err
}
