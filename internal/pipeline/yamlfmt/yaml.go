// Package yamlfmt normalises the YAML workflow pipeline format
// (`.chengis/workflow.y(a)ml` or `chengis.y(a)ml`) into the internal
// pipeline model. This is an external-collaborator surface per the core
// specification: the Build Runner itself only ever consumes an already
// normalised pipeline.Pipeline.
package yamlfmt

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/chengis-ci/chengis/internal/pipeline"
)

// MaxFileSize is the hard cap on in-repo pipeline files (§4.3, §6).
const MaxFileSize = 1 << 20 // 1 MiB

// document mirrors the on-disk shape before normalisation; YAML decoding
// into plain Go structs (rather than a map[string]any + reflection) means
// tagged literals and custom constructors are never evaluated, satisfying
// the "code execution disabled" requirement of §6.
type document struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Container   string              `yaml:"container"`
	Env         map[string]string   `yaml:"env"`
	Parameters  map[string]string   `yaml:"parameters"`
	On          onBlock             `yaml:"on"`
	Stages      []pipeline.Stage    `yaml:"stages"`
	Post        pipeline.PostActions `yaml:"post"`
	Artifacts   []string            `yaml:"artifacts"`
	Notify      []pipeline.Notifier `yaml:"notify"`
	Extends     string              `yaml:"extends"`
}

type onBlock struct {
	Push     pushTrigger      `yaml:"push"`
	Schedule []scheduleEntry  `yaml:"schedule"`
}

type pushTrigger struct {
	Branches []string `yaml:"branches"`
}

type scheduleEntry struct {
	Interval string `yaml:"interval"`
}

// Parse decodes raw YAML workflow bytes into the internal pipeline model.
// It rejects input larger than MaxFileSize before decoding.
func Parse(data []byte) (*pipeline.Pipeline, error) {
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("yaml workflow: file exceeds %d byte limit", MaxFileSize)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("yaml workflow: parse: %w", err)
	}

	p := &pipeline.Pipeline{
		Name:        doc.Name,
		Description: doc.Description,
		Container:   doc.Container,
		Env:         doc.Env,
		Parameters:  doc.Parameters,
		Stages:      normaliseStages(doc.Stages),
		Post:        doc.Post,
		Artifacts:   doc.Artifacts,
		Notify:      doc.Notify,
		Extends:     doc.Extends,
	}

	if len(doc.On.Push.Branches) > 0 {
		p.Triggers = append(p.Triggers, pipeline.Trigger{Kind: "push", Branches: doc.On.Push.Branches})
	}
	for _, sched := range doc.On.Schedule {
		p.Triggers = append(p.Triggers, pipeline.Trigger{Kind: "schedule", Interval: sched.Interval})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// normaliseStages fills in each step's Kind when none was declared: a step
// with its own `image` becomes a container step, any other step a shell
// step. A pipeline- or stage-level `container` does not change a step's
// kind.
func normaliseStages(stages []pipeline.Stage) []pipeline.Stage {
	for si := range stages {
		for sti := range stages[si].Steps {
			st := &stages[si].Steps[sti]
			if st.Kind == "" {
				if st.Image != "" {
					st.Kind = pipeline.KindContainer
				} else {
					st.Kind = pipeline.KindShell
				}
			}
		}
	}
	return stages
}
