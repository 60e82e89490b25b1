package dispatch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "chengis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJob(t *testing.T, s *store.Store, labels []string) *store.Job {
	t.Helper()
	j := &store.Job{
		OrgID: "org-1",
		Name:  "app",
		Pipeline: pipeline.Pipeline{
			Name:        "app",
			AgentLabels: labels,
			Stages:      []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{{Name: "a", Kind: pipeline.KindShell, Command: "true"}}}},
		},
	}
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestAssignQueuedPicksLowestRatioAgent(t *testing.T) {
	s := newTestStore(t)
	job := mustJob(t, s, nil)
	b, err := s.CreateBuild(job.ID, job.OrgID, store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(s)
	busy := &store.Agent{ID: "busy", Name: "busy", MaxBuilds: 2, CurrentBuilds: 1, Status: store.AgentOnline}
	idle := &store.Agent{ID: "idle", Name: "idle", MaxBuilds: 2, CurrentBuilds: 0, Status: store.AgentOnline}
	if err := r.Register(busy); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(idle); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(s, r, nil, nil, time.Minute, 10)
	if err := d.Tick(time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBuild(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.AgentID != "idle" {
		t.Fatalf("expected idle agent picked, got %s", got.AgentID)
	}
}

func TestAssignQueuedSkipsAgentMissingLabel(t *testing.T) {
	s := newTestStore(t)
	job := mustJob(t, s, []string{"gpu"})
	if _, err := s.CreateBuild(job.ID, job.OrgID, store.TriggerManual, nil, nil); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(s)
	if err := r.Register(&store.Agent{ID: "plain", MaxBuilds: 1, Status: store.AgentOnline}); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(s, r, nil, nil, time.Minute, 10)
	if err := d.Tick(time.Now()); err != nil {
		t.Fatal(err)
	}

	builds, err := s.ListQueuedBuilds(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Fatalf("expected build to remain queued without a matching agent, got %d queued", len(builds))
	}
}

func TestOrphanRecoveryRevertsToQueued(t *testing.T) {
	s := newTestStore(t)
	job := mustJob(t, s, nil)
	b, _ := s.CreateBuild(job.ID, job.OrgID, store.TriggerManual, nil, nil)

	r := NewRegistry(s)
	agent := &store.Agent{ID: "stale", MaxBuilds: 1, Status: store.AgentOnline}
	if err := r.Register(agent); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CASBuildStatus(b.ID, store.StatusQueued, store.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignAgent(b.ID, "stale"); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	d := NewDispatcher(s, r, nil, nil, time.Minute, 10)
	if err := d.Tick(time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBuild(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected reverted to queued, got %s", got.Status)
	}
	a, err := s.GetAgent("stale")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != store.AgentOffline {
		t.Fatalf("expected agent marked offline, got %s", a.Status)
	}
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	b := newBreakerState()
	now := time.Now()
	for i := 0; i < breakerThreshold; i++ {
		b.RecordFailure(now)
	}
	if b.closed(now) {
		t.Fatal("expected breaker open after threshold failures")
	}
	if !b.closed(now.Add(breakerCooldown + time.Second)) {
		t.Fatal("expected breaker half-open after cooldown")
	}
}
