/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package runner implements the Build Runner (C6): the per-build state
// machine that resolves a pipeline, walks the pre-build policy gate, runs
// every stage/step in order, suspends on approval gates, collects
// artifacts and post-action outcomes, and finalises the build row. One
// Runner is shared by every build; Run executes a single build to
// completion and is meant to be invoked from its own goroutine by the
// caller (the dispatch handoff in cmd/chengisd).
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/artifacts"
	"github.com/chengis-ci/chengis/internal/dispatch"
	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/executor"
	"github.com/chengis-ci/chengis/internal/metrics"
	"github.com/chengis-ci/chengis/internal/notify"
	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/policy"
	"github.com/chengis-ci/chengis/internal/secrets"
	"github.com/chengis-ci/chengis/internal/store"
	"github.com/chengis-ci/chengis/internal/telemetry"
	"github.com/chengis-ci/chengis/internal/workspace"
)

// Config bounds the Runner's default behavior where a pipeline does not
// override it (§4.6, §8).
type Config struct {
	// MaxParallelSteps caps the semaphore used by a parallel stage.
	MaxParallelSteps int
	// BuildTimeout is the absolute ceiling on one build's wall-clock time,
	// independent of any per-step timeout.
	BuildTimeout time.Duration
	// ApprovalPollInterval is how often a suspended stage checks its gate's
	// status while waiting for a decision.
	ApprovalPollInterval time.Duration
	// RetainWorkspace skips workspace cleanup, for debugging.
	RetainWorkspace bool
}

// DefaultConfig returns §4.6/§8's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelSteps:     16,
		BuildTimeout:         4 * time.Hour,
		ApprovalPollInterval: 2 * time.Second,
	}
}

// Runner orchestrates one build at a time per call to Run, sharing its
// collaborators across every concurrently-running build in the process.
type Runner struct {
	store      *store.Store
	execs      *executor.Registry
	secrets    *secrets.Resolver
	workspace  *workspace.Manager
	artifacts  *artifacts.Store
	policyGate *policy.Gate
	approvals  *policy.Approvals
	notifier   *notify.Router
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
	cfg        Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Runner from its collaborators. dispatcher may be nil
// for tests that do not exercise agent accounting; bus may be nil to
// disable live event streaming.
func New(s *store.Store, execs *executor.Registry, sec *secrets.Resolver, ws *workspace.Manager, art *artifacts.Store,
	gate *policy.Gate, approvals *policy.Approvals, notifier *notify.Router, bus *events.Bus, d *dispatch.Dispatcher,
	logger *zap.Logger, cfg Config) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = DefaultConfig().MaxParallelSteps
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultConfig().BuildTimeout
	}
	if cfg.ApprovalPollInterval <= 0 {
		cfg.ApprovalPollInterval = DefaultConfig().ApprovalPollInterval
	}
	return &Runner{
		store: s, execs: execs, secrets: sec, workspace: ws, artifacts: art,
		policyGate: gate, approvals: approvals, notifier: notifier, bus: bus, dispatcher: d,
		logger: logger, cfg: cfg, cancels: make(map[string]context.CancelFunc),
	}
}

// Cancel requests the immediate abort of a running build, returning false
// if the build is not currently tracked (already finished, or never
// started on this process).
func (r *Runner) Cancel(buildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[buildID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run executes buildID to a terminal status. The caller must have already
// transitioned the build row to running (the Dispatcher's CAS) and
// assigned an agent before calling Run. Run never returns an error for a
// build-level failure — that is recorded on the build row itself — only
// for a condition that prevented the Runner from even attempting the
// build (a missing job/build row, a store failure).
func (r *Runner) Run(parent context.Context, buildID string) error {
	build, err := r.store.GetBuild(buildID)
	if err != nil {
		return fmt.Errorf("runner: load build %s: %w", buildID, err)
	}
	job, err := r.store.GetJob(build.JobID)
	if err != nil {
		return fmt.Errorf("runner: load job %s: %w", build.JobID, err)
	}

	ctx, cancel := context.WithTimeout(parent, r.cfg.BuildTimeout)
	r.mu.Lock()
	r.cancels[buildID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, buildID)
		r.mu.Unlock()
	}()

	metrics.ActiveBuilds.Inc()
	defer metrics.ActiveBuilds.Dec()

	ctx, span := telemetry.StartBuildSpan(ctx, job.Name, build.BuildNumber, string(build.Trigger))
	startedAt := time.Now()

	o := r.execute(ctx, build, job)

	metrics.RecordBuildComplete(job.Name, string(o.status), time.Since(startedAt))
	telemetry.EndBuildSpan(span, string(o.status))

	if err := r.store.FinishBuild(build.ID, o.status, o.failedStep, o.exitCode, o.errMessage); err != nil {
		r.logger.Error("finish build failed", zap.String("build_id", build.ID), zap.Error(err))
	}
	_, _ = r.store.AppendAudit(store.AuditEntry{
		OrgID: build.OrgID, Action: "build-completed", ResourceType: "build", ResourceID: build.ID,
		Detail: fmt.Sprintf("status=%s job=%s number=%d", o.status, job.Name, build.BuildNumber),
	})
	r.emit(build.ID, job.ID, "", "", kindForStatus(o.status), map[string]string{"status": string(o.status)})

	if r.dispatcher != nil && build.AgentID != "" {
		if err := r.dispatcher.RecordOutcome(build.AgentID, o.status == store.StatusSuccess, time.Now()); err != nil {
			r.logger.Warn("record dispatcher outcome failed", zap.String("build_id", build.ID), zap.Error(err))
		}
	}

	r.notify(ctx, job, build, o)

	if o.workspace != nil {
		if err := r.workspace.Cleanup(o.workspace, r.cfg.RetainWorkspace); err != nil {
			r.logger.Warn("workspace cleanup failed", zap.String("build_id", build.ID), zap.Error(err))
		}
	}

	return nil
}

// outcome collects everything Run needs once execute returns, so
// finalisation (store write, audit, notification, metrics) happens in one
// place regardless of which exit path execute took.
type outcome struct {
	status     store.Status
	failedStep string
	errMessage string
	exitCode   *int
	resolved   *pipeline.Pipeline
	workspace  *workspace.Workspace
}

func kindForStatus(status store.Status) events.Kind {
	if status == store.StatusSuccess {
		return events.KindBuildCompleted
	}
	if status == store.StatusAborted {
		return events.KindBuildCancelled
	}
	return events.KindBuildFailed
}

// emit writes a durable event-log row and, if a bus is wired, publishes
// the same occurrence for live subscribers (§4.5: two distinct delivery
// guarantees, one producer).
func (r *Runner) emit(buildID, jobID, stage, step string, kind events.Kind, detail map[string]string) {
	data := make(map[string]interface{}, len(detail))
	for k, v := range detail {
		data[k] = v
	}
	if err := r.store.AppendEvent(&store.EventRecord{BuildID: buildID, EventType: string(kind), StageName: stage, StepName: step, Data: data}); err != nil {
		r.logger.Warn("append event failed", zap.String("build_id", buildID), zap.Error(err))
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: kind, BuildID: buildID, JobID: jobID, StageName: stage, StepName: step, Detail: detail})
	}
}

func (r *Runner) notify(ctx context.Context, job *store.Job, build *store.Build, o outcome) {
	if r.notifier == nil || o.resolved == nil || len(o.resolved.Notify) == 0 {
		return
	}
	kinds := make([]string, 0, len(o.resolved.Notify))
	for _, n := range o.resolved.Notify {
		kinds = append(kinds, n.Type)
	}
	msg := notify.Message{
		JobName:     job.Name,
		BuildID:     build.ID,
		BuildNumber: build.BuildNumber,
		Status:      string(o.status),
		Title:       fmt.Sprintf("%s #%d %s", job.Name, build.BuildNumber, o.status),
		Body:        o.errMessage,
		Timestamp:   time.Now().UTC(),
	}
	for _, err := range r.notifier.Notify(ctx, msg, kinds) {
		metrics.RecordNotificationFailure("unknown")
		r.logger.Warn("notification delivery failed", zap.String("build_id", build.ID), zap.Error(err))
	}
}
