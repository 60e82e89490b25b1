// Package dispatch implements the Dispatcher & Agent Registry (C7): an
// in-memory fleet cache mirrored to the durable agents table, build
// assignment under label/capacity/org-visibility constraints, a per-agent
// circuit breaker, and orphan recovery.
package dispatch

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chengis-ci/chengis/internal/store"
)

// agentState is the in-memory cache entry for one agent, mirroring
// internal/controlplane/fleet.Manager's map[string]*ProbeState shape: all
// externally observable state lives in the database, this cache only
// avoids round-tripping through SQLite on every scheduling decision and
// can be rebuilt from it at any time.
type agentState struct {
	store.Agent
	breaker breakerState
}

// Registry is the in-process fleet cache.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentState
	store  *store.Store
}

// NewRegistry builds an empty registry bound to a store for mirroring.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{agents: make(map[string]*agentState), store: s}
}

// Load populates the cache from the durable agents table, for startup
// recovery (§4.7: "in-memory structures are caches that can be rebuilt
// from storage").
func (r *Registry) Load() error {
	agents, err := r.store.ListAgents()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = &agentState{Agent: *a, breaker: loadBreakerState(a.BreakerState)}
	}
	return nil
}

// Register adds or refreshes an agent in both the cache and the store.
func (r *Registry) Register(a *store.Agent) error {
	if a.Status == "" {
		a.Status = store.AgentOnline
	}
	a.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpsertAgent(a); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = &agentState{Agent: *a}
	return nil
}

// Heartbeat refreshes an agent's liveness and capacity, and re-opens it
// if it had been marked offline.
func (r *Registry) Heartbeat(id string, currentBuilds int, systemInfo string) error {
	if err := r.store.Heartbeat(id, currentBuilds, systemInfo); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[id]; ok {
		st.LastHeartbeat = time.Now().UTC()
		st.CurrentBuilds = currentBuilds
		if systemInfo != "" {
			st.SystemInfo = systemInfo
		}
		if st.Status == store.AgentOffline {
			st.Status = store.AgentOnline
		}
	}
	return nil
}

// Drain marks an agent draining: still eligible for builds it already
// runs, never newly assigned.
func (r *Registry) Drain(id string) error {
	if err := r.store.SetAgentStatus(id, store.AgentDraining); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[id]; ok {
		st.Status = store.AgentDraining
	}
	return nil
}

func (r *Registry) snapshot() []*agentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agentState, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// eligible implements §4.7's five-condition test.
func eligible(a *agentState, orgID string, requiredLabels []string, now time.Time) bool {
	if a.Status != store.AgentOnline {
		return false
	}
	if !a.breaker.closed(now) {
		return false
	}
	if a.OrgID != "" && a.OrgID != orgID {
		return false
	}
	if a.CurrentBuilds >= a.MaxBuilds {
		return false
	}
	if !hasAllLabels(a.Labels, requiredLabels) {
		return false
	}
	return true
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[strings.ToLower(l)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(w)]; !ok {
			return false
		}
	}
	return true
}

// pickAgent returns the eligible agent with the lowest current/max ratio,
// breaking ties by earliest last-heartbeat (§4.7 step 2).
func pickAgent(candidates []*agentState, orgID string, requiredLabels []string, now time.Time) *agentState {
	var pool []*agentState
	for _, a := range candidates {
		if eligible(a, orgID, requiredLabels, now) {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool {
		ri := ratio(pool[i])
		rj := ratio(pool[j])
		if ri != rj {
			return ri < rj
		}
		return pool[i].LastHeartbeat.Before(pool[j].LastHeartbeat)
	})
	return pool[0]
}

func ratio(a *agentState) float64 {
	if a.MaxBuilds <= 0 {
		return 1
	}
	return float64(a.CurrentBuilds) / float64(a.MaxBuilds)
}
