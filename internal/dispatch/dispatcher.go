package dispatch

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/store"
)

// Dispatcher is the single periodic task described in §4.7/§4.6's
// scheduling model: one tick first sweeps for dead agents, then assigns as
// many eligible queued builds as it can. It runs only when its caller
// calls Tick (cmd/chengisd does so on a fixed timer); a heartbeat or a new
// build does not trigger a tick. Tick itself is stateless across calls
// except for the Registry it shares with the rest of the process.
type Dispatcher struct {
	store             *store.Store
	registry          *Registry
	bus               *events.Bus
	logger            *zap.Logger
	heartbeatInterval time.Duration
	batchSize         int
}

// NewDispatcher builds a Dispatcher. heartbeatInterval is the expected
// agent heartbeat cadence; an agent is declared dead after twice that
// interval elapses with no heartbeat (§4.7). logger may be nil, in which
// case a no-op logger is used.
func NewDispatcher(s *store.Store, r *Registry, bus *events.Bus, logger *zap.Logger, heartbeatInterval time.Duration, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: s, registry: r, bus: bus, logger: logger, heartbeatInterval: heartbeatInterval, batchSize: batchSize}
}

// Tick runs one dispatch cycle: orphan recovery, then best-effort
// assignment of queued builds to eligible agents.
func (d *Dispatcher) Tick(now time.Time) error {
	if err := d.recoverOrphans(now); err != nil {
		return fmt.Errorf("dispatch: orphan recovery: %w", err)
	}
	return d.assignQueued(now)
}

// recoverOrphans implements §4.7's dead-agent detection: an agent with no
// heartbeat for 2x the interval is declared dead, its running builds
// revert to queued (unless the event log already shows a terminal
// outcome, which RevertToQueued's CAS guarantees by construction), and an
// orphan-recovered event fires per build.
func (d *Dispatcher) recoverOrphans(now time.Time) error {
	if d.heartbeatInterval <= 0 {
		return nil
	}
	deadline := 2 * d.heartbeatInterval
	for _, a := range d.registry.snapshot() {
		if a.Status == store.AgentOffline {
			continue
		}
		if a.LastHeartbeat.IsZero() || now.Sub(a.LastHeartbeat) <= deadline {
			continue
		}
		if err := d.store.SetAgentStatus(a.ID, store.AgentOffline); err != nil {
			return err
		}
		d.logger.Warn("agent declared dead", zap.String("agent_id", a.ID), zap.Time("last_heartbeat", a.LastHeartbeat))
		d.registry.mu.Lock()
		if st, ok := d.registry.agents[a.ID]; ok {
			st.Status = store.AgentOffline
		}
		d.registry.mu.Unlock()

		builds, err := d.store.ListRunningBuildsForAgent(a.ID)
		if err != nil {
			return err
		}
		for _, b := range builds {
			reverted, err := d.store.RevertToQueued(b.ID)
			if err != nil {
				return err
			}
			if reverted {
				orphanRecoveredTotal.Inc()
				d.publish(events.Event{Kind: events.KindAgentOffline, BuildID: b.ID, JobID: b.JobID, Detail: map[string]string{"agent_id": a.ID, "reason": "orphan-recovered"}})
			}
		}
	}
	return nil
}

// assignQueued pulls up to batchSize queued builds and assigns as many
// as have an eligible agent, skipping the rest for the next tick (§4.7
// step 1-3).
func (d *Dispatcher) assignQueued(now time.Time) error {
	builds, err := d.store.ListQueuedBuilds(d.batchSize)
	if err != nil {
		return err
	}
	queuedBuildsGauge.Set(float64(len(builds)))
	var oldestWaiting float64
	defer func() { oldestPendingSeconds.Set(oldestWaiting) }()

	for _, b := range builds {
		job, err := d.store.GetJob(b.JobID)
		if err != nil {
			continue
		}
		candidates := d.registry.snapshot()
		agent := pickAgent(candidates, b.OrgID, job.Pipeline.AgentLabels, now)
		if agent == nil {
			if age := now.Sub(b.CreatedAt).Seconds(); age > oldestWaiting {
				oldestWaiting = age
			}
			continue
		}

		ok, err := d.store.CASBuildStatus(b.ID, store.StatusQueued, store.StatusRunning)
		if err != nil {
			return fmt.Errorf("dispatch: cas build %s: %w", b.ID, err)
		}
		if !ok {
			// Another dispatcher (or a direct cancel) won the race; skip.
			continue
		}
		if err := d.store.AssignAgent(b.ID, agent.ID); err != nil {
			return err
		}
		if err := d.store.IncrementCurrentBuilds(agent.ID, 1); err != nil {
			return err
		}
		d.registry.mu.Lock()
		if st, ok := d.registry.agents[agent.ID]; ok {
			st.CurrentBuilds++
			if st.breaker.phase(now) == phaseHalfOpen {
				st.breaker.recordProbe()
				_ = d.store.SetAgentBreakerState(agent.ID, st.breaker.marshal())
			}
		}
		d.registry.mu.Unlock()

		assignmentsTotal.Inc()
		d.logger.Info("build assigned", zap.String("build_id", b.ID), zap.String("agent_id", agent.ID))
		d.publish(events.Event{Kind: events.KindBuildStarted, BuildID: b.ID, JobID: b.JobID, Detail: map[string]string{"agent_id": agent.ID}})
	}
	return nil
}

// RecordOutcome feeds a completed build's result back into the agent's
// circuit breaker and decrements its live build count. Called by the
// Build Runner after a build reaches a terminal status.
func (d *Dispatcher) RecordOutcome(agentID string, success bool, now time.Time) error {
	if err := d.store.IncrementCurrentBuilds(agentID, -1); err != nil {
		return err
	}
	d.registry.mu.Lock()
	defer d.registry.mu.Unlock()
	st, ok := d.registry.agents[agentID]
	if !ok {
		return nil
	}
	if st.CurrentBuilds > 0 {
		st.CurrentBuilds--
	}
	wasOpen := !st.breaker.closed(now)
	if success {
		st.breaker.RecordSuccess(now)
	} else {
		st.breaker.RecordFailure(now)
		if !wasOpen && !st.breaker.closed(now) {
			breakerTripsTotal.WithLabelValues(agentID).Inc()
			d.logger.Warn("agent circuit breaker opened", zap.String("agent_id", agentID))
		}
	}
	return d.store.SetAgentBreakerState(agentID, st.breaker.marshal())
}

func (d *Dispatcher) publish(e events.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(e)
}
