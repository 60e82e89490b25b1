// Package executor implements the Step Executor Registry (C1): a lookup
// keyed by step kind returning an implementation capable of running one
// step and reporting its result. Policy checks, termination ladder, and
// output masking live here; stage/build orchestration is the Runner's job.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the terminal outcome of a step execution.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusAborted  Status = "aborted"
	StatusTimedOut Status = "timed-out"
)

// LineSink receives one output line at a time, tagged by stream.
type LineSink func(stream string, line string)

// ExecContext carries everything a step execution needs, assembled fresh
// per step by the Runner. Env has already had job/stage/step precedence
// applied (process < job < stage-container < step, per §4.1).
type ExecContext struct {
	Context     context.Context
	WorkspaceDir string
	Env         map[string]string
	Secrets     map[string]string
	BuildID     string
	StepID      string
	Dir         string
	Timeout     time.Duration
	LineSink    LineSink
	Image       string
	Volumes     []string
	Workdir     string
	Network     string
	PullPolicy  string
	Command     string
}

// Result is the outcome of executing one step.
type Result struct {
	Status     Status
	ExitCode   int
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	CompletedAt time.Time
	Error      string
	// ImageDigest and ImageMediaType are set only by container-kind steps
	// whose image reference was pinned to a digest (§4.9).
	ImageDigest    string
	ImageMediaType string
}

// Executor runs one step kind.
type Executor interface {
	Execute(ec *ExecContext) *Result
}

// Registry is a lookup from step kind to Executor, the open-ended
// registry §9 mandates for kind-indexed dispatch.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
	logger *zap.Logger
}

// NewRegistry builds a registry with the shell and container kinds
// pre-registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{execs: make(map[string]Executor), logger: logger}
	r.Register("shell", NewShellExecutor(logger))
	r.Register("container", NewContainerExecutor(logger))
	r.Register("container-compose", NewContainerExecutor(logger))
	return r
}

// Register adds or replaces the executor for a step kind.
func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[kind] = e
}

// Execute dispatches to the registered executor for kind. An unregistered
// kind fails with `unknown-step-kind` (§4.1) rather than crashing the
// caller.
func (r *Registry) Execute(kind string, ec *ExecContext) *Result {
	r.mu.RLock()
	e, ok := r.execs[kind]
	r.mu.RUnlock()

	if !ok {
		now := time.Now().UTC()
		return &Result{
			Status:      StatusFailure,
			ExitCode:    -1,
			StartedAt:   now,
			CompletedAt: now,
			Error:       fmt.Sprintf("unknown-step-kind: %s", kind),
		}
	}

	return r.safeExecute(e, ec)
}

// safeExecute recovers from an executor panic/crash and reports it as a
// step-failed result rather than bringing down the Runner (§4.1 failure
// semantics).
func (r *Registry) safeExecute(e Executor, ec *ExecContext) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			now := time.Now().UTC()
			if r.logger != nil {
				r.logger.Error("executor panic recovered", zap.Any("panic", rec), zap.String("build_id", ec.BuildID), zap.String("step_id", ec.StepID))
			}
			res = &Result{
				Status:      StatusFailure,
				ExitCode:    -1,
				StartedAt:   now,
				CompletedAt: now,
				Error:       fmt.Sprintf("executor crashed: %v", rec),
			}
		}
	}()
	return e.Execute(ec)
}

// MergeEnv applies the precedence process < job < stage-container < step.
func MergeEnv(process map[string]string, job map[string]string, stageContainer map[string]string, step map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range []map[string]string{process, job, stageContainer, step} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
