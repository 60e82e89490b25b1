package pipeline

import "fmt"

// maxExtendsDepth bounds template resolution to 3 hops, per §3.
const maxExtendsDepth = 3

// TemplateLookup resolves a template name to its pipeline, as stored in the
// templates table (C8).
type TemplateLookup func(name string) (*Pipeline, bool)

// Resolve merges a pipeline's `extends` chain into a single concrete pipeline.
// Merge rules: stage-name match replaces the template's stage; other
// top-level keys are won by the extending pipeline when set; env and
// post-actions merge key-wise; artifacts and notify union. Resolution is
// idempotent: resolving an already-resolved pipeline (Extends == "") is a
// no-op that returns a copy of p.
func Resolve(p *Pipeline, lookup TemplateLookup) (*Pipeline, error) {
	return resolve(p, lookup, 0, map[string]bool{})
}

func resolve(p *Pipeline, lookup TemplateLookup, depth int, seen map[string]bool) (*Pipeline, error) {
	if p.Extends == "" {
		cp := *p
		return &cp, nil
	}
	if depth >= maxExtendsDepth {
		return nil, fmt.Errorf("extends: exceeded max depth %d resolving %q", maxExtendsDepth, p.Extends)
	}
	if seen[p.Extends] {
		return nil, fmt.Errorf("extends: cycle detected at %q", p.Extends)
	}

	base, ok := lookup(p.Extends)
	if !ok {
		return nil, fmt.Errorf("extends: template %q not found", p.Extends)
	}

	nextSeen := make(map[string]bool, len(seen)+1)
	for k := range seen {
		nextSeen[k] = true
	}
	nextSeen[p.Extends] = true

	resolvedBase, err := resolve(base, lookup, depth+1, nextSeen)
	if err != nil {
		return nil, fmt.Errorf("extends %q: %w", p.Extends, err)
	}

	return merge(resolvedBase, p), nil
}

// merge combines a resolved base template with the extending pipeline.
// Extension wins on scalar top-level fields when it sets a non-zero value;
// stage-name match replaces; unmatched base stages are kept in their
// original position, followed by any new stages the extension adds.
func merge(base, ext *Pipeline) *Pipeline {
	out := &Pipeline{
		Name:        firstNonEmpty(ext.Name, base.Name),
		Description: firstNonEmpty(ext.Description, base.Description),
		Container:   firstNonEmpty(ext.Container, base.Container),
		Source:      base.Source,
	}
	if ext.Source != nil {
		out.Source = ext.Source
	}

	out.Parameters = mergeStringMaps(base.Parameters, ext.Parameters)
	out.Env = mergeStringMaps(base.Env, ext.Env)

	if len(ext.Triggers) > 0 {
		out.Triggers = ext.Triggers
	} else {
		out.Triggers = base.Triggers
	}

	out.Stages = mergeStages(base.Stages, ext.Stages)

	out.Post = PostActions{
		Always:    append(append([]Step{}, base.Post.Always...), ext.Post.Always...),
		OnSuccess: append(append([]Step{}, base.Post.OnSuccess...), ext.Post.OnSuccess...),
		OnFailure: append(append([]Step{}, base.Post.OnFailure...), ext.Post.OnFailure...),
	}

	out.Artifacts = unionStrings(base.Artifacts, ext.Artifacts)
	out.Notify = append(append([]Notifier{}, base.Notify...), ext.Notify...)
	out.AgentLabels = unionStrings(base.AgentLabels, ext.AgentLabels)

	return out
}

// mergeStages replaces template stages by name and appends any stage the
// extension declares that the template did not have, preserving the
// template's original ordering for replaced/kept stages.
func mergeStages(base, ext []Stage) []Stage {
	extByName := make(map[string]Stage, len(ext))
	extOrder := make([]string, 0, len(ext))
	for _, s := range ext {
		extByName[s.Name] = s
		extOrder = append(extOrder, s.Name)
	}

	used := make(map[string]bool, len(ext))
	out := make([]Stage, 0, len(base)+len(ext))
	for _, b := range base {
		if s, ok := extByName[b.Name]; ok {
			out = append(out, s)
			used[b.Name] = true
		} else {
			out = append(out, b)
		}
	}
	for _, name := range extOrder {
		if !used[name] {
			out = append(out, extByName[name])
		}
	}
	return out
}

func mergeStringMaps(base, ext map[string]string) map[string]string {
	if len(base) == 0 && len(ext) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(ext))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range ext {
		out[k] = v
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
