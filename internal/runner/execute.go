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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.opentelemetry.io/otel/trace"

	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/executor"
	"github.com/chengis-ci/chengis/internal/metrics"
	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/policy"
	"github.com/chengis-ci/chengis/internal/store"
	"github.com/chengis-ci/chengis/internal/telemetry"
	"github.com/chengis-ci/chengis/internal/workspace"
)

// execute runs build's pipeline end to end and returns its terminal
// outcome. It never panics: a collaborator error becomes a failed build
// rather than an unrecovered error up the call stack, matching the
// "a transient infrastructure failure surfaces as build-level failure"
// rule of §8.
func (r *Runner) execute(ctx context.Context, build *store.Build, job *store.Job) outcome {
	pl := job.Pipeline

	ws, found, err := r.workspace.Prepare(ctx, job.Name, build.ID, pl.Source)
	if err != nil {
		return outcome{status: store.StatusFailure, errMessage: err.Error(), resolved: &pl, workspace: ws}
	}
	if found != nil {
		pl = *found
	}

	resolved, err := pipeline.Resolve(&pl, r.templateLookup(job.OrgID))
	if err != nil {
		return outcome{status: store.StatusFailure, errMessage: err.Error(), resolved: &pl, workspace: ws}
	}
	if err := resolved.Validate(); err != nil {
		return outcome{status: store.StatusFailure, errMessage: err.Error(), resolved: resolved, workspace: ws}
	}

	branch := resolveBranch(build, resolved)
	r.emit(build.ID, job.ID, "", "", events.KindBuildStarted, map[string]string{"agent_id": build.AgentID, "branch": branch})

	decision, err := r.policyGate.EvaluateBuild(build.ID, policy.Context{OrgID: job.OrgID, Branch: branch, Now: time.Now()})
	if err != nil {
		return outcome{status: store.StatusFailure, errMessage: err.Error(), resolved: resolved, workspace: ws}
	}
	if !decision.Allow {
		metrics.RecordPolicyDenial(job.OrgID, "pre-build")
		_, _ = r.store.AppendAudit(store.AuditEntry{
			OrgID: job.OrgID, Action: "policy-denied", ResourceType: "build", ResourceID: build.ID, Detail: decision.Reason,
		})
		return outcome{status: store.StatusFailure, errMessage: decision.Reason, resolved: resolved, workspace: ws}
	}

	status := store.StatusSuccess
	var failedStep, errMessage string

	for _, stage := range resolved.Stages {
		if ctx.Err() != nil {
			status, failedStep = statusFromCtx(ctx), stage.Name
			break
		}
		if !stage.Condition.Evaluate(branch, build.Parameters) {
			r.skipStage(build.ID, stage.Name)
			continue
		}

		if stage.RequiresApproval {
			gateStatus, err := r.awaitApproval(ctx, build, stage)
			if err != nil {
				status, failedStep, errMessage = statusFromCtx(ctx), stage.Name, err.Error()
				break
			}
			if gateStatus != store.ApprovalApproved {
				status, failedStep, errMessage = store.StatusFailure, stage.Name, fmt.Sprintf("stage %s: approval gate %s", stage.Name, gateStatus)
				break
			}
		}

		stageStatus, sFailedStep, sErr := r.runStage(ctx, build, job, resolved, stage, branch, ws)
		if stageStatus != store.StatusSuccess {
			status, failedStep, errMessage = stageStatus, sFailedStep, sErr
			break
		}
	}

	r.runPostActions(ctx, build, job, resolved, status, branch, ws)
	r.collectArtifacts(build, resolved, ws)

	return outcome{status: status, failedStep: failedStep, errMessage: errMessage, resolved: resolved, workspace: ws}
}

// templateLookup adapts the store's template table to pipeline.Resolve's
// lookup signature, scoped to one org.
func (r *Runner) templateLookup(orgID string) pipeline.TemplateLookup {
	return func(name string) (*pipeline.Pipeline, bool) {
		t, err := r.store.GetTemplateByName(orgID, name)
		if err != nil {
			return nil, false
		}
		return &t.Pipeline, true
	}
}

func resolveBranch(build *store.Build, p *pipeline.Pipeline) string {
	if b := build.Parameters["branch"]; b != "" {
		return b
	}
	if p.Source != nil {
		return p.Source.Branch
	}
	return ""
}

// stepTimeout converts a step's optional timeout to a duration; a nil
// TimeoutMS means unbounded (zero Timeout disables the executor's timer).
func stepTimeout(ms *int64) time.Duration {
	if ms == nil {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}

// statusFromCtx distinguishes a build-timeout from an explicit cancel so
// the terminal status matches which actually happened (§3, §8).
func statusFromCtx(ctx context.Context) store.Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return store.StatusTimedOut
	}
	return store.StatusAborted
}

func (r *Runner) skipStage(buildID, stageName string) {
	now := time.Now().UTC()
	_ = r.store.UpsertStageResult(&store.StageResult{BuildID: buildID, Name: stageName, Status: store.StatusSkipped, StartedAt: now, CompletedAt: now})
	r.emit(buildID, "", stageName, "", events.KindStageSkipped, nil)
}

// awaitApproval opens (or finds) the gate for a stage requiring approval
// and blocks until it leaves pending, polling at cfg.ApprovalPollInterval.
// The build row is parked at waiting-approval for the duration so list
// queries reflect the suspension (§3).
func (r *Runner) awaitApproval(ctx context.Context, build *store.Build, stage pipeline.Stage) (store.ApprovalStatus, error) {
	gate, err := r.store.GetApprovalGate(build.ID, stage.Name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("runner: get approval gate: %w", err)
		}
		gate, err = r.approvals.Open(build.ID, stage.Name, "", stage.ApproverGroup, stage.MinApprovals, stage.ApprovalTimeoutMinutes)
		if err != nil {
			return "", fmt.Errorf("runner: open approval gate: %w", err)
		}
	}
	if gate.Status != store.ApprovalPending {
		metrics.RecordApprovalGate(string(gate.Status))
		return gate.Status, nil
	}

	if _, err := r.store.CASBuildStatus(build.ID, store.StatusRunning, store.StatusWaitingApproval); err != nil {
		r.logger.Warn("park build for approval failed", zap.String("build_id", build.ID), zap.Error(err))
	}
	r.emit(build.ID, "", stage.Name, "", events.KindApprovalNeeded, map[string]string{"gate_id": gate.ID})
	_, span := telemetry.StartApprovalSpan(ctx, stage.Name, gate.MinApprovals)

	ticker := time.NewTicker(r.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			telemetry.EndApprovalSpan(span, "aborted")
			return "", ctx.Err()
		case <-ticker.C:
			g, err := r.store.GetApprovalGate(build.ID, stage.Name)
			if err != nil {
				continue
			}
			if g.Status == store.ApprovalPending {
				continue
			}
			if _, err := r.store.CASBuildStatus(build.ID, store.StatusWaitingApproval, store.StatusRunning); err != nil {
				r.logger.Warn("resume build after approval failed", zap.String("build_id", build.ID), zap.Error(err))
			}
			metrics.RecordApprovalGate(string(g.Status))
			telemetry.EndApprovalSpan(span, string(g.Status))
			r.emit(build.ID, "", stage.Name, "", events.KindApprovalDecided, map[string]string{"gate_id": g.ID, "status": string(g.Status)})
			return g.Status, nil
		}
	}
}

// worstStatus ranks terminal step/stage statuses by severity: success and
// skipped tie at the bottom, then failure, aborted, timed-out.
func worstStatus(a, b store.Status) store.Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

func statusRank(s store.Status) int {
	switch s {
	case store.StatusTimedOut:
		return 3
	case store.StatusAborted:
		return 2
	case store.StatusFailure:
		return 1
	default:
		return 0
	}
}

// runStage executes one stage's steps, sequentially or concurrently under
// a MaxParallelSteps semaphore, and persists the stage's own result row.
func (r *Runner) runStage(ctx context.Context, build *store.Build, job *store.Job, p *pipeline.Pipeline, stage pipeline.Stage, branch string, ws *workspace.Workspace) (store.Status, string, string) {
	started := time.Now().UTC()
	r.emit(build.ID, job.ID, stage.Name, "", events.KindStageStarted, map[string]string{"parallel": fmt.Sprintf("%t", stage.Parallel)})
	ctx, span := telemetry.StartStageSpan(ctx, stage.Name, stage.Parallel)

	var status store.Status
	var failedStep, errMessage string
	if stage.Parallel {
		status, failedStep, errMessage = r.runStepsParallel(ctx, build, job, p, stage, branch, ws)
	} else {
		status, failedStep, errMessage = r.runStepsSequential(ctx, build, job, p, stage, branch, ws)
	}

	telemetry.EndStageSpan(span, string(status))
	_ = r.store.UpsertStageResult(&store.StageResult{BuildID: build.ID, Name: stage.Name, Status: status, StartedAt: started, CompletedAt: time.Now().UTC()})
	r.emit(build.ID, job.ID, stage.Name, "", events.KindStageCompleted, map[string]string{"status": string(status)})
	return status, failedStep, errMessage
}

func (r *Runner) runStepsSequential(ctx context.Context, build *store.Build, job *store.Job, p *pipeline.Pipeline, stage pipeline.Stage, branch string, ws *workspace.Workspace) (store.Status, string, string) {
	status := store.StatusSuccess
	var failedStep, errMessage string
	for i := range stage.Steps {
		step := stage.Steps[i]
		if ctx.Err() != nil {
			return statusFromCtx(ctx), step.Name, ctx.Err().Error()
		}
		if !step.Condition.Evaluate(branch, build.Parameters) {
			r.skipStep(build.ID, stage.Name, step.Name)
			continue
		}
		res := r.runStep(ctx, build, job, p, stage, step, ws)
		stepStatus := store.Status(res.Status)
		if stepStatus != store.StatusSuccess {
			if failedStep == "" {
				failedStep, errMessage = step.Name, res.Error
			}
			status = worstStatus(status, stepStatus)
			if !step.ContinueOnError {
				break
			}
		}
	}
	return status, failedStep, errMessage
}

// runStepsParallel runs a stage's steps concurrently under a
// MaxParallelSteps semaphore. The stage fails if any step fails
// (spec'd behaviour: remaining steps are cancelled), so a failing step
// without continue-on-error cancels a stage-scoped child context; any
// sibling still running observes the cancellation through its own
// ExecContext and is reported aborted rather than running to completion.
func (r *Runner) runStepsParallel(ctx context.Context, build *store.Build, job *store.Job, p *pipeline.Pipeline, stage pipeline.Stage, branch string, ws *workspace.Workspace) (store.Status, string, string) {
	limit := r.cfg.MaxParallelSteps
	sem := make(chan struct{}, limit)
	stageCtx, cancelStage := context.WithCancel(ctx)
	defer cancelStage()

	type outcomeSlot struct {
		name   string
		status store.Status
		errMsg string
	}
	results := make([]outcomeSlot, len(stage.Steps))
	done := make(chan struct{})
	pending := 0

	for i := range stage.Steps {
		step := stage.Steps[i]
		if !step.Condition.Evaluate(branch, build.Parameters) {
			r.skipStep(build.ID, stage.Name, step.Name)
			results[i] = outcomeSlot{name: step.Name, status: store.StatusSkipped}
			continue
		}
		pending++
		go func(i int, step pipeline.Step) {
			sem <- struct{}{}
			defer func() { <-sem; done <- struct{}{} }()
			if stageCtx.Err() != nil {
				results[i] = outcomeSlot{name: step.Name, status: statusFromCtx(stageCtx), errMsg: stageCtx.Err().Error()}
				return
			}
			res := r.runStep(stageCtx, build, job, p, stage, step, ws)
			stepStatus := store.Status(res.Status)
			results[i] = outcomeSlot{name: step.Name, status: stepStatus, errMsg: res.Error}
			if stepStatus != store.StatusSuccess && !step.ContinueOnError {
				cancelStage()
			}
		}(i, step)
	}
	for n := 0; n < pending; n++ {
		<-done
	}

	// When a failing step (not the build's own context) cancelled the stage,
	// the siblings it aborted keep that status on their step rows only; the
	// stage's status and failed step come from the failure itself.
	siblingCancel := stageCtx.Err() != nil && ctx.Err() == nil
	status := store.StatusSuccess
	var failedStep, errMessage string
	for _, res := range results {
		if siblingCancel && res.status == store.StatusAborted {
			continue
		}
		if res.status != "" && res.status != store.StatusSuccess && res.status != store.StatusSkipped {
			if failedStep == "" {
				failedStep, errMessage = res.name, res.errMsg
			}
			status = worstStatus(status, res.status)
		}
	}
	return status, failedStep, errMessage
}

func (r *Runner) skipStep(buildID, stageName, stepName string) {
	now := time.Now().UTC()
	_ = r.store.UpsertStepResult(&store.StepResult{BuildID: buildID, StageName: stageName, Name: stepName, Status: store.StatusSkipped, StartedAt: now, CompletedAt: now})
	r.emit(buildID, "", stageName, stepName, events.KindStepCompleted, map[string]string{"status": string(store.StatusSkipped)})
}

// runStep resolves secrets, checks the per-step docker-image policy for
// container steps, dispatches to the executor registry, and persists the
// step's result row.
func (r *Runner) runStep(ctx context.Context, build *store.Build, job *store.Job, p *pipeline.Pipeline, stage pipeline.Stage, step pipeline.Step, ws *workspace.Workspace) *executor.Result {
	started := time.Now().UTC()
	stepID := store.NewID()
	r.emit(build.ID, job.ID, stage.Name, step.Name, events.KindStepStarted, map[string]string{"kind": string(step.Kind)})
	ctx, span := telemetry.StartStepSpan(ctx, stage.Name, step.Name, string(step.Kind))

	if step.Kind == pipeline.KindContainer || step.Kind == pipeline.KindCompose {
		branch := resolveBranch(build, p)
		decision, err := r.policyGate.EvaluateBuild(build.ID, policy.Context{OrgID: job.OrgID, Branch: branch, Now: time.Now(), Image: step.Image})
		if err == nil && !decision.Allow {
			metrics.RecordPolicyDenial(job.OrgID, "docker-image")
			res := &executor.Result{Status: executor.StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: decision.Reason}
			r.finishStep(span, build, stage, step, stepID, started, res)
			return res
		}
	}

	secretVals, err := r.secrets.ResolveForBuild(ctx, job.OrgID, job.ID, step.Secrets)
	if err != nil {
		res := &executor.Result{Status: executor.StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: err.Error()}
		r.finishStep(span, build, stage, step, stepID, started, res)
		return res
	}

	seq := 0
	workDir := ""
	if ws != nil {
		workDir = ws.Dir
	}
	ec := &executor.ExecContext{
		Context:      ctx,
		WorkspaceDir: workDir,
		Env:          executor.MergeEnv(nil, p.Env, nil, step.Env),
		Secrets:      secretVals,
		BuildID:      build.ID,
		StepID:       stepID,
		Dir:          step.Dir,
		Timeout:      stepTimeout(step.TimeoutMS),
		Image:        step.Image,
		Volumes:      step.Volumes,
		Workdir:      step.Workdir,
		Network:      step.Network,
		PullPolicy:   step.PullPolicy,
		Command:      step.Command,
		LineSink: func(stream, line string) {
			seq++
			_ = r.store.AppendLogChunk(&store.LogChunk{StepID: stepID, Seq: seq, Stream: stream, Data: line})
			if r.bus != nil {
				r.bus.Publish(events.Event{Kind: events.KindStepOutput, BuildID: build.ID, StageName: stage.Name, StepName: step.Name, Detail: map[string]string{"stream": stream, "line": line}})
			}
		},
	}

	res := r.execs.Execute(string(step.Kind), ec)
	r.finishStep(span, build, stage, step, stepID, started, res)
	return res
}

func (r *Runner) finishStep(span trace.Span, build *store.Build, stage pipeline.Stage, step pipeline.Step, stepID string, started time.Time, res *executor.Result) {
	completed := time.Now().UTC()
	metrics.RecordStep(string(step.Kind), string(res.Status))
	telemetry.EndStepSpan(span, string(res.Status), res.ExitCode)
	_ = r.store.UpsertStepResult(&store.StepResult{
		ID: stepID, BuildID: build.ID, StageName: stage.Name, Name: step.Name, Status: store.Status(res.Status),
		ExitCode: sql.NullInt64{Int64: int64(res.ExitCode), Valid: true}, Stdout: res.Stdout, Stderr: res.Stderr,
		DurationMS: completed.Sub(started).Milliseconds(), StartedAt: started, CompletedAt: completed,
	})
	r.emit(build.ID, "", stage.Name, step.Name, events.KindStepCompleted, map[string]string{"status": string(res.Status), "exit_code": fmt.Sprintf("%d", res.ExitCode)})
}

// runPostActions runs the "always" group, then on-success or on-failure
// depending on the build's terminal status so far. Post-action failures
// are logged but never override an already-decided build status (§4.6
// step 6: post actions clean up and notify, they do not re-judge the
// build).
func (r *Runner) runPostActions(ctx context.Context, build *store.Build, job *store.Job, p *pipeline.Pipeline, status store.Status, branch string, ws *workspace.Workspace) {
	groups := [][]pipeline.Step{p.Post.Always}
	if status == store.StatusSuccess {
		groups = append(groups, p.Post.OnSuccess)
	} else {
		groups = append(groups, p.Post.OnFailure)
	}
	postStage := pipeline.Stage{Name: "post"}
	for _, steps := range groups {
		for _, step := range steps {
			if !step.Condition.Evaluate(branch, build.Parameters) {
				continue
			}
			res := r.runStep(ctx, build, job, p, postStage, step, ws)
			if res.Status != executor.StatusSuccess {
				r.logger.Warn("post-action step failed", zap.String("build_id", build.ID), zap.String("step", step.Name), zap.String("error", res.Error))
			}
		}
	}
}

// collectArtifacts globs every declared pattern against the workspace and
// records what was collected. A build with no workspace (no source
// checkout) simply collects nothing.
func (r *Runner) collectArtifacts(build *store.Build, p *pipeline.Pipeline, ws *workspace.Workspace) {
	if ws == nil || len(p.Artifacts) == 0 {
		return
	}
	for _, pattern := range p.Artifacts {
		saved, err := r.artifacts.Save(build.ID, ws.Dir, pattern)
		if err != nil {
			r.logger.Warn("artifact collection failed", zap.String("build_id", build.ID), zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, a := range saved {
			if err := r.store.RecordArtifact(&store.ArtifactRecord{BuildID: build.ID, Filename: a.Name, Path: a.Path, SizeBytes: a.SizeBytes, SHA256: a.SHA256}); err != nil {
				r.logger.Warn("record artifact failed", zap.String("build_id", build.ID), zap.String("name", a.Name), zap.Error(err))
				continue
			}
			r.verifyArtifact(build.ID, build.OrgID, a.Name, a.SHA256)
		}
	}
}

// verifyArtifact re-reads a just-saved artifact and recomputes its hash,
// catching on-disk write corruption immediately rather than leaving it to
// surface at fetch time. A mismatch is an integrity error (§7): logged and
// audited, not self-healed.
func (r *Runner) verifyArtifact(buildID, orgID, name, expectedSHA256 string) {
	res, err := r.artifacts.Verify(buildID, name, expectedSHA256)
	if err != nil {
		r.logger.Warn("artifact verification failed", zap.String("build_id", buildID), zap.String("name", name), zap.Error(err))
		return
	}
	if res.Valid == nil {
		r.logger.Warn("artifact could not be verified", zap.String("build_id", buildID), zap.String("name", name), zap.String("reason", res.Reason))
		return
	}
	if !*res.Valid {
		r.logger.Error("artifact hash mismatch", zap.String("build_id", buildID), zap.String("name", name), zap.String("expected", res.Expected), zap.String("computed", res.Computed))
		_, _ = r.store.AppendAudit(store.AuditEntry{
			OrgID:        orgID,
			Action:       "artifact-hash-mismatch",
			ResourceType: "artifact",
			ResourceID:   name,
			Detail:       fmt.Sprintf("build=%s expected=%s computed=%s", buildID, res.Expected, res.Computed),
		})
	}
}
