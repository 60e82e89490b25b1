package pipeline

import "testing"

func templates() map[string]*Pipeline {
	return map[string]*Pipeline{
		"T": {
			Name: "T",
			Env:  map[string]string{"BASE": "1"},
			Stages: []Stage{
				{Name: "Build", Steps: []Step{{Name: "compile", Kind: KindShell, Command: "make"}}},
				{Name: "Test", Steps: []Step{{Name: "old-test", Kind: KindShell, Command: "old"}}},
			},
			Artifacts: []string{"dist/**"},
		},
	}
}

func lookupFrom(m map[string]*Pipeline) TemplateLookup {
	return func(name string) (*Pipeline, bool) {
		p, ok := m[name]
		return p, ok
	}
}

func TestResolveTemplateExtension(t *testing.T) {
	ext := &Pipeline{
		Extends: "T",
		Stages: []Stage{
			{Name: "Test", Steps: []Step{{Name: "new-test", Kind: KindShell, Command: "new"}}},
			{Name: "Deploy", Steps: []Step{{Name: "ship", Kind: KindShell, Command: "deploy"}}},
		},
		Artifacts: []string{"reports/**"},
	}

	resolved, err := Resolve(ext, lookupFrom(templates()))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(resolved.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d: %+v", len(resolved.Stages), resolved.Stages)
	}
	if resolved.Stages[0].Name != "Build" || resolved.Stages[1].Name != "Test" || resolved.Stages[2].Name != "Deploy" {
		t.Fatalf("unexpected stage order: %+v", resolved.Stages)
	}
	if resolved.Stages[1].Steps[0].Name != "new-test" {
		t.Fatalf("expected Test stage to come from extending pipeline, got %+v", resolved.Stages[1].Steps)
	}
	if resolved.Env["BASE"] != "1" {
		t.Fatalf("expected base env to carry through, got %+v", resolved.Env)
	}
	if len(resolved.Artifacts) != 2 {
		t.Fatalf("expected artifact union of 2, got %+v", resolved.Artifacts)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	p := &Pipeline{
		Name:   "plain",
		Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}},
	}
	once, err := Resolve(p, lookupFrom(nil))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	twice, err := Resolve(once, lookupFrom(nil))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if len(once.Stages) != len(twice.Stages) || once.Stages[0].Name != twice.Stages[0].Name {
		t.Fatalf("resolution was not idempotent: %+v vs %+v", once, twice)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	m := map[string]*Pipeline{
		"A": {Name: "A", Extends: "B", Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}}},
		"B": {Name: "B", Extends: "A", Stages: []Stage{{Name: "S", Steps: []Step{{Name: "b", Kind: KindShell, Command: "y"}}}}},
	}
	p := &Pipeline{Extends: "A"}
	if _, err := Resolve(p, lookupFrom(m)); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestResolveDepthLimit(t *testing.T) {
	m := map[string]*Pipeline{
		"L1": {Extends: "L2", Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}}},
		"L2": {Extends: "L3", Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}}},
		"L3": {Extends: "L4", Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}}},
		"L4": {Stages: []Stage{{Name: "S", Steps: []Step{{Name: "a", Kind: KindShell, Command: "x"}}}}},
	}
	p := &Pipeline{Extends: "L1"}
	if _, err := Resolve(p, lookupFrom(m)); err == nil {
		t.Fatal("expected max-depth error for a 4-hop chain")
	}
}
