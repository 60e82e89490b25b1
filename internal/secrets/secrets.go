// Package secrets implements the Secret Resolver (C2): given a build
// context, produces the plaintext environment additions a step execution
// should receive, enforcing scope precedence, backend fallback policy, and
// audit emission. Plaintext never persists; ciphertext does.
package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Scope is either "global" or "job-<id>".
type Scope string

// GlobalScope returns the well-known global scope.
func GlobalScope() Scope { return Scope("global") }

// JobScope returns the scope for a specific job.
func JobScope(jobID string) Scope { return Scope("job-" + jobID) }

// Secret is one stored secret row. Plaintext is only ever held transiently
// by a Backend.Resolve call; this struct never carries it.
type Secret struct {
	Scope     Scope
	OrgID     string
	Name      string
	Ciphertext []byte
	ValueHash string
}

// AuditAction tags a secret-audit row's action (§4.2).
type AuditAction string

const (
	ActionRead      AuditAction = "read"
	ActionWrite     AuditAction = "write"
	ActionDelete    AuditAction = "delete"
	ActionBuildRead AuditAction = "build-read"
)

// AuditEntry is one secret-audit row.
type AuditEntry struct {
	SecretName string
	Scope      Scope
	Action     AuditAction
	UserID     string
	IP         string
	Detail     string
}

// AuditSink records secret-audit rows; normally backed by the persistence
// layer's secret_audit table.
type AuditSink func(AuditEntry)

// Backend resolves named secrets to plaintext for a given org/job scope.
// The `local` backend is AES-GCM-encrypted rows with a master key; `vault`
// is an external KV store. Both satisfy this interface so the Resolver is
// agnostic to which is configured.
type Backend interface {
	Name() string
	Resolve(ctx context.Context, orgID string, scope Scope, names []string) (map[string]string, error)
}

// ErrBackendUnavailable is returned by a Backend when it cannot be reached;
// the Resolver's fallback-to-local policy keys off this type by unwrapping
// the error chain (asUnavailable).
type ErrBackendUnavailable struct {
	Backend string
	Cause   error
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("secret-backend-unavailable: %s: %v", e.Backend, e.Cause)
}

func (e *ErrBackendUnavailable) Unwrap() error { return e.Cause }

// Resolver implements C2's resolution algorithm: globals, then job-scoped
// overlays, then step-declared references, each of which must resolve or
// the step fails with missing-secret.
type Resolver struct {
	primary        Backend
	local          Backend // used for fallback-to-local; may equal primary
	fallbackToLocal bool
	audit          AuditSink
	logger         *zap.Logger
}

// NewResolver constructs a Resolver. local is the always-available
// AES-GCM backend used when fallbackToLocal is true and primary errors.
func NewResolver(primary, local Backend, fallbackToLocal bool, audit AuditSink, logger *zap.Logger) *Resolver {
	return &Resolver{primary: primary, local: local, fallbackToLocal: fallbackToLocal, audit: audit, logger: logger}
}

// ResolveForBuild produces the full env-addition map for a build: global
// secrets scoped to the org, overlaid by job-scoped secrets, overlaid by
// the step's explicitly declared references. stepRefs names secrets the
// step declared it needs; any that fail to resolve is a missing-secret
// error (the whole call fails — a build aborts at that step per §4.2).
func (r *Resolver) ResolveForBuild(ctx context.Context, orgID, jobID string, stepRefs []string) (map[string]string, error) {
	out := make(map[string]string)

	globals, err := r.resolveScope(ctx, orgID, GlobalScope(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range globals {
		out[k] = v
	}

	jobSecrets, err := r.resolveScope(ctx, orgID, JobScope(jobID), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range jobSecrets {
		out[k] = v
	}

	if len(stepRefs) > 0 {
		refd, err := r.resolveScope(ctx, orgID, JobScope(jobID), stepRefs)
		if err != nil {
			return nil, err
		}
		for _, name := range stepRefs {
			v, ok := refd[name]
			if !ok {
				v, ok = out[name]
			}
			if !ok {
				return nil, fmt.Errorf("missing-secret: %s", name)
			}
			out[name] = v
		}
	}

	return out, nil
}

// resolveScope resolves a single scope against the primary backend,
// falling back to local per r.fallbackToLocal when the primary errors with
// ErrBackendUnavailable.
func (r *Resolver) resolveScope(ctx context.Context, orgID string, scope Scope, names []string) (map[string]string, error) {
	vals, err := r.primary.Resolve(ctx, orgID, scope, names)
	if err == nil {
		r.emitAudit(scope, names, ActionBuildRead, "")
		return vals, nil
	}

	var unavailable *ErrBackendUnavailable
	if !asUnavailable(err, &unavailable) {
		return nil, err
	}

	if !r.fallbackToLocal {
		return nil, err
	}

	if r.logger != nil {
		r.logger.Warn("secret backend unavailable, falling back to local", zap.String("backend", r.primary.Name()), zap.Error(err))
	}
	vals, lerr := r.local.Resolve(ctx, orgID, scope, names)
	if lerr != nil {
		return nil, fmt.Errorf("secret-backend-unavailable (fallback also failed): %w", lerr)
	}
	r.emitAudit(scope, names, ActionBuildRead, "fallback-to-local")
	return vals, nil
}

func (r *Resolver) emitAudit(scope Scope, names []string, action AuditAction, detail string) {
	if r.audit == nil {
		return
	}
	if len(names) == 0 {
		r.audit(AuditEntry{Scope: scope, Action: action, Detail: detail})
		return
	}
	for _, n := range names {
		r.audit(AuditEntry{SecretName: n, Scope: scope, Action: action, Detail: detail})
	}
}

func asUnavailable(err error, target **ErrBackendUnavailable) bool {
	for err != nil {
		if e, ok := err.(*ErrBackendUnavailable); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
