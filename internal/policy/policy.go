// Package policy implements the Policy & Approval Gate (C9): a
// priority-ordered, first-deny-wins evaluation of pre-build and per-stage
// policies, and the multi-approver approval-gate tally algorithm of §4.9.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/chengis-ci/chengis/internal/store"
)

// Kind tags a policy's evaluation rule (§4.9).
type Kind string

const (
	KindBranchRestriction Kind = "branch-restriction"
	KindTimeWindow        Kind = "time-window"
	KindDockerImage       Kind = "docker-image"
	KindPluginTrust       Kind = "plugin-trust"
)

// Decision is the outcome of evaluating one policy.
type Decision struct {
	Allow  bool
	Reason string
}

// Context carries everything a policy evaluator needs to judge one build
// or stage.
type Context struct {
	OrgID  string
	Branch string
	Now    time.Time
	Image  string // set only when checking a container step's image
	Plugin string // set only when checking a plugin-kind step
}

// Evaluator judges one policy row's config against a Context.
type Evaluator func(cfg map[string]interface{}, ctx Context) Decision

// Registry is an open-ended, kind-indexed lookup of policy evaluators
// (§9's "dynamic dispatch via keyword-indexed lookups becomes an
// interface with a registry keyed by a string tag").
type Registry struct {
	evaluators map[Kind]Evaluator
}

// NewRegistry builds a Registry with the four policy kinds from §4.9
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[Kind]Evaluator)}
	r.Register(KindBranchRestriction, evaluateBranchRestriction)
	r.Register(KindTimeWindow, evaluateTimeWindow)
	r.Register(KindDockerImage, evaluateDockerImage)
	r.Register(KindPluginTrust, evaluatePluginTrust)
	return r
}

// Register adds or replaces the evaluator for a kind.
func (r *Registry) Register(kind Kind, eval Evaluator) {
	r.evaluators[kind] = eval
}

// Gate wraps the store for policy CRUD and evaluation.
type Gate struct {
	store    *store.Store
	registry *Registry
}

// NewGate constructs a Gate over a store and registry.
func NewGate(s *store.Store, r *Registry) *Gate {
	if r == nil {
		r = NewRegistry()
	}
	return &Gate{store: s, registry: r}
}

// EvaluateBuild runs the pre-build policy gate (§4.6 step 3): every policy
// for the org, in ascending priority (tie-break: creation order, which
// ListPoliciesByOrg already guarantees), first deny wins. A build with no
// policies at all is allowed.
func (g *Gate) EvaluateBuild(buildID string, ctx Context) (Decision, error) {
	policies, err := g.store.ListPoliciesByOrg(ctx.OrgID, "")
	if err != nil {
		return Decision{}, fmt.Errorf("policy: list policies: %w", err)
	}
	for _, p := range policies {
		eval, ok := g.registry.evaluators[Kind(p.Kind)]
		if !ok {
			continue
		}
		d := eval(p.Config, ctx)
		_ = g.store.RecordPolicyEvaluation(buildID, p.ID, decisionLabel(d), d.Reason)
		if !d.Allow {
			return d, nil
		}
	}
	return Decision{Allow: true}, nil
}

func decisionLabel(d Decision) string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

// evaluateBranchRestriction implements §4.9's branch-restriction kind:
// {branches: [names|patterns], action: allow|deny}.
func evaluateBranchRestriction(cfg map[string]interface{}, ctx Context) Decision {
	branches := stringSlice(cfg["branches"])
	action, _ := cfg["action"].(string)
	if action == "" {
		action = "allow"
	}
	matched := false
	for _, b := range branches {
		if matchBranch(b, ctx.Branch) {
			matched = true
			break
		}
	}
	switch action {
	case "deny":
		if matched {
			return Decision{Allow: false, Reason: fmt.Sprintf("branch %q denied by policy", ctx.Branch)}
		}
		return Decision{Allow: true}
	default: // allow
		if len(branches) == 0 || matched {
			return Decision{Allow: true}
		}
		return Decision{Allow: false, Reason: fmt.Sprintf("branch %q not in allowed list", ctx.Branch)}
	}
}

func matchBranch(pattern, branch string) bool {
	if pattern == branch {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(branch, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// evaluateTimeWindow implements §4.9's time-window kind: deny if now is
// inside a forbidden window (with timezone).
func evaluateTimeWindow(cfg map[string]interface{}, ctx Context) Decision {
	startStr, _ := cfg["start"].(string)
	endStr, _ := cfg["end"].(string)
	tzName, _ := cfg["timezone"].(string)
	if startStr == "" || endStr == "" {
		return Decision{Allow: true}
	}
	loc := time.UTC
	if tzName != "" {
		if l, err := time.LoadLocation(tzName); err == nil {
			loc = l
		}
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)

	start, err1 := time.ParseInLocation("15:04", startStr, loc)
	end, err2 := time.ParseInLocation("15:04", endStr, loc)
	if err1 != nil || err2 != nil {
		return Decision{Allow: true}
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()

	inWindow := false
	if startMinutes <= endMinutes {
		inWindow = nowMinutes >= startMinutes && nowMinutes < endMinutes
	} else {
		// Window wraps midnight.
		inWindow = nowMinutes >= startMinutes || nowMinutes < endMinutes
	}
	if inWindow {
		return Decision{Allow: false, Reason: fmt.Sprintf("current time %s falls in forbidden window %s-%s", now.Format("15:04"), startStr, endStr)}
	}
	return Decision{Allow: true}
}

// evaluateDockerImage implements §4.9's docker-image kind: deny-list
// matches block, then allow-list matches allow, otherwise default-allow
// when no policy exists for the org (handled by EvaluateBuild's
// empty-policies case — this evaluator only runs when a row exists).
func evaluateDockerImage(cfg map[string]interface{}, ctx Context) Decision {
	if ctx.Image == "" {
		return Decision{Allow: true}
	}
	action, _ := cfg["action"].(string)
	pattern, _ := cfg["pattern"].(string)
	if pattern == "" {
		return Decision{Allow: true}
	}
	if matchImagePattern(pattern, ctx.Image) {
		if action == "deny" {
			return Decision{Allow: false, Reason: fmt.Sprintf("image %q matches deny pattern %q", ctx.Image, pattern)}
		}
		return Decision{Allow: true}
	}
	return Decision{Allow: true}
}

// matchImagePattern matches `registry/*` and `image:*` style globs.
func matchImagePattern(pattern, image string) bool {
	if pattern == image {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(image, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(image, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// evaluatePluginTrust implements §4.9's plugin-trust kind for one policy
// row: a row naming the plugin being loaded denies it unless the row sets
// allowed=true, and a row naming any other plugin allows. A plugin that no
// row names is not blocked.
func evaluatePluginTrust(cfg map[string]interface{}, ctx Context) Decision {
	if ctx.Plugin == "" {
		return Decision{Allow: true}
	}
	allowed, _ := cfg["allowed"].(bool)
	name, _ := cfg["plugin_name"].(string)
	if name != ctx.Plugin {
		return Decision{Allow: true}
	}
	if allowed {
		return Decision{Allow: true}
	}
	return Decision{Allow: false, Reason: fmt.Sprintf("plugin %q not marked allowed for org", ctx.Plugin)}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
