/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chengis-ci/chengis/internal/artifacts"
	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/executor"
	"github.com/chengis-ci/chengis/internal/notify"
	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/policy"
	"github.com/chengis-ci/chengis/internal/secrets"
	"github.com/chengis-ci/chengis/internal/store"
	"github.com/chengis-ci/chengis/internal/workspace"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "chengis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	local, err := secrets.NewLocalBackend(make([]byte, secrets.MinMasterKeyLen), s.DB())
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	resolver := secrets.NewResolver(local, local, false, nil, nil)

	cfg := DefaultConfig()
	cfg.ApprovalPollInterval = 20 * time.Millisecond
	r := New(
		s,
		executor.NewRegistry(nil),
		resolver,
		workspace.NewManager(filepath.Join(dir, "workspaces"), nil),
		artifacts.NewStore(filepath.Join(dir, "artifacts")),
		policy.NewGate(s, nil),
		policy.NewApprovals(s),
		notify.NewRouter(nil),
		events.NewBus(0),
		nil,
		nil,
		cfg,
	)
	return r, s
}

func mustCreateJob(t *testing.T, s *store.Store, p pipeline.Pipeline) *store.Job {
	t.Helper()
	j := &store.Job{OrgID: "org-1", Name: p.Name, Pipeline: p}
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func mustCreateBuild(t *testing.T, s *store.Store, j *store.Job) *store.Build {
	t.Helper()
	b, err := s.CreateBuild(j.ID, j.OrgID, store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	if _, err := s.CASBuildStatus(b.ID, store.StatusQueued, store.StatusRunning); err != nil {
		t.Fatalf("cas to running: %v", err)
	}
	b.Status = store.StatusRunning
	return b
}

func TestRunSuccessfulPipeline(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{{Name: "compile", Kind: pipeline.KindShell, Command: "echo building"}}},
			{Name: "test", Steps: []pipeline.Step{{Name: "unit", Kind: pipeline.KindShell, Command: "echo testing"}}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.ErrorMessage)
	}

	steps, err := s.ListStepResults(build.ID)
	if err != nil {
		t.Fatalf("list step results: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(steps))
	}
}

func TestRunFailingStepStopsSequentialStage(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{
				{Name: "boom", Kind: pipeline.KindShell, Command: "exit 3"},
				{Name: "never", Kind: pipeline.KindShell, Command: "echo should-not-run"},
			}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("expected failure, got %s", got.Status)
	}
	if got.FailedStep != "boom" {
		t.Fatalf("expected failed_step boom, got %q", got.FailedStep)
	}

	steps, err := s.ListStepResults(build.ID)
	if err != nil {
		t.Fatalf("list step results: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected only the failing step to have run, got %d results", len(steps))
	}
}

func TestRunContinueOnErrorRunsRemainingSteps(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{
				{Name: "flaky", Kind: pipeline.KindShell, Command: "exit 1", ContinueOnError: true},
				{Name: "cleanup", Kind: pipeline.KindShell, Command: "echo cleaning"},
			}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	steps, err := s.ListStepResults(build.ID)
	if err != nil {
		t.Fatalf("list step results: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected both steps to run, got %d", len(steps))
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("a continue-on-error failure still fails the build overall, got %s", got.Status)
	}
}

func TestRunSkipsStageOnBranchCondition(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{
				Name:      "deploy",
				Condition: &pipeline.Condition{Kind: pipeline.ConditionBranch, Branch: "main"},
				Steps:     []pipeline.Step{{Name: "ship", Kind: pipeline.KindShell, Command: "echo ship"}},
			},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusSuccess {
		t.Fatalf("a build with only a skipped stage still succeeds, got %s", got.Status)
	}

	steps, err := s.ListStepResults(build.ID)
	if err != nil {
		t.Fatalf("list step results: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected the skipped stage to run no steps, got %d", len(steps))
	}
}

func TestRunWaitsThenRespectsApprovalRejection(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{
				Name:             "deploy",
				RequiresApproval: true,
				ApproverGroup:    []string{"alice"},
				MinApprovals:     1,
				Steps:            []pipeline.Step{{Name: "ship", Kind: pipeline.KindShell, Command: "echo ship"}},
			},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), build.ID) }()

	var gate *store.ApprovalGate
	deadline := time.After(2 * time.Second)
	for gate == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for approval gate to open")
		case <-time.After(10 * time.Millisecond):
			g, err := s.GetApprovalGate(build.ID, "deploy")
			if err == nil {
				gate = g
			}
		}
	}

	if _, err := r.approvals.Respond(gate.ID, "alice", store.DecisionReject); err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to finish after rejection")
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("expected failure after rejected approval, got %s", got.Status)
	}
}

func TestRunUnsatisfiableApprovalGroupFailsImmediately(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{
				Name:             "deploy",
				RequiresApproval: true,
				ApproverGroup:    nil,
				MinApprovals:     2,
				Steps:            []pipeline.Step{{Name: "ship", Kind: pipeline.KindShell, Command: "echo ship"}},
			},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("expected immediate failure for an unsatisfiable approver group, got %s", got.Status)
	}
}

func TestCancelAbortsRunningBuild(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{{Name: "slow", Kind: pipeline.KindShell, Command: "sleep 30"}}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), build.ID) }()

	time.Sleep(200 * time.Millisecond)
	if !r.Cancel(build.ID) {
		t.Fatal("expected Cancel to find the running build")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for cancellation to take effect")
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}
}

func TestRunParallelStageAbortsSiblingsOnFailure(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "P", Parallel: true, Steps: []pipeline.Step{
				{Name: "ok", Kind: pipeline.KindShell, Command: "sleep 5"},
				{Name: "fail", Kind: pipeline.KindShell, Command: "exit 7"},
			}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	start := time.Now()
	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("expected the failing sibling to cancel the long-running step well before its sleep elapsed, took %s", elapsed)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("expected failure, got %s", got.Status)
	}
	if got.FailedStep != "fail" {
		t.Fatalf("expected failed_step fail, got %q", got.FailedStep)
	}

	steps, err := s.ListStepResults(build.ID)
	if err != nil {
		t.Fatalf("list step results: %v", err)
	}
	byName := make(map[string]store.Status)
	for _, st := range steps {
		byName[st.Name] = st.Status
	}
	if byName["fail"] != store.StatusFailure {
		t.Fatalf("expected fail step to be failure, got %s", byName["fail"])
	}
	if byName["ok"] != store.StatusAborted {
		t.Fatalf("expected ok step to be aborted once its sibling failed, got %s", byName["ok"])
	}
}

func TestRunMissingSecretFailsStep(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{
				{Name: "needs-secret", Kind: pipeline.KindShell, Command: "echo $TOKEN", Secrets: []string{"TOKEN"}},
			}},
		},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusFailure {
		t.Fatalf("expected failure for an unresolved declared secret, got %s", got.Status)
	}
}

func TestRunCollectsArtifacts(t *testing.T) {
	r, s := newTestRunner(t)
	p := pipeline.Pipeline{
		Name: "app",
		Stages: []pipeline.Stage{
			{Name: "build", Steps: []pipeline.Step{{Name: "make", Kind: pipeline.KindShell, Command: "echo built > out.txt"}}},
		},
		Artifacts: []string{"out.txt"},
	}
	job := mustCreateJob(t, s, p)
	build := mustCreateBuild(t, s, job)

	if err := r.Run(context.Background(), build.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetBuild(build.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != store.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}

	arts, err := s.ListArtifacts(build.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("expected 1 collected artifact, got %d", len(arts))
	}
}
