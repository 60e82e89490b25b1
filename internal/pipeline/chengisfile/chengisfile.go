// Package chengisfile parses the Chengisfile symbolic-expression pipeline
// format into the internal pipeline model (§6). The reader is a pure data
// parser: keywords, strings, numbers, booleans, vectors and maps only — no
// reader macros, no tagged literals, no evaluation. This mirrors the "pure
// data, code execution disabled" requirement and the tagged-literal-rejection
// rule shared with the YAML format.
package chengisfile

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/chengis-ci/chengis/internal/pipeline"
)

// MaxFileSize is the hard cap on in-repo pipeline files (§4.3, §6).
const MaxFileSize = 1 << 20

// Parse decodes a Chengisfile's s-expression body into the internal pipeline
// model.
func Parse(data []byte) (*pipeline.Pipeline, error) {
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("chengisfile: file exceeds %d byte limit", MaxFileSize)
	}

	p := newParser(string(data))
	val, err := p.readValue()
	if err != nil {
		return nil, fmt.Errorf("chengisfile: %w", err)
	}

	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("chengisfile: top-level form must be a map")
	}

	out, err := toPipeline(m)
	if err != nil {
		return nil, fmt.Errorf("chengisfile: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// parser is a minimal recursive-descent reader for the subset of EDN/Lisp
// syntax Chengisfiles use: `{...}` maps with `:keyword` keys, `[...]`
// vectors, strings, numbers, and the bare symbols `true`/`false`/`nil`.
// Tagged literals (`#foo ...`) are explicitly rejected.
type parser struct {
	s scanner.Scanner
	tok rune
}

func newParser(src string) *parser {
	p := &parser{}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanComments | scanner.SkipComments
	p.s.Whitespace |= 1 << '\n' // treat newline as ordinary whitespace too
	p.next()
	return p
}

func (p *parser) next() {
	p.tok = p.s.Scan()
}

func (p *parser) readValue() (any, error) {
	switch p.tok {
	case scanner.EOF:
		return nil, fmt.Errorf("unexpected end of input")
	case '{':
		return p.readMap()
	case '[':
		return p.readVector()
	case scanner.String:
		v, err := strconv.Unquote(p.s.TokenText())
		p.next()
		return v, err
	case scanner.Int, scanner.Float:
		text := p.s.TokenText()
		p.next()
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("invalid number %q", text)
	case '#':
		return nil, fmt.Errorf("tagged literals are not permitted")
	case ':':
		return p.readKeyword()
	case scanner.Ident:
		text := p.s.TokenText()
		p.next()
		switch text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		default:
			return text, nil
		}
	default:
		return nil, fmt.Errorf("unexpected token %q", p.s.TokenText())
	}
}

func (p *parser) readKeyword() (string, error) {
	p.next() // consume ':'
	if p.tok != scanner.Ident {
		return "", fmt.Errorf("expected keyword name after ':'")
	}
	name := p.s.TokenText()
	p.next()
	return name, nil
}

func (p *parser) readMap() (map[string]any, error) {
	p.next() // consume '{'
	out := make(map[string]any)
	for p.tok != '}' {
		if p.tok == scanner.EOF {
			return nil, fmt.Errorf("unterminated map")
		}
		if p.tok != ':' {
			return nil, fmt.Errorf("map keys must be keywords, got %q", p.s.TokenText())
		}
		key, err := p.readKeyword()
		if err != nil {
			return nil, err
		}
		val, err := p.readValue()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	p.next() // consume '}'
	return out, nil
}

func (p *parser) readVector() ([]any, error) {
	p.next() // consume '['
	var out []any
	for p.tok != ']' {
		if p.tok == scanner.EOF {
			return nil, fmt.Errorf("unterminated vector")
		}
		val, err := p.readValue()
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	p.next() // consume ']'
	return out, nil
}

func toPipeline(m map[string]any) (*pipeline.Pipeline, error) {
	p := &pipeline.Pipeline{
		Name:        str(m["name"]),
		Description: str(m["description"]),
		Extends:     str(m["extends"]),
		Artifacts:   strSlice(m["artifacts"]),
		Env:         strMap(m["env"]),
	}

	stagesRaw, _ := m["stages"].([]any)
	for _, sv := range stagesRaw {
		sm, ok := sv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("stage entries must be maps")
		}
		stage, err := toStage(sm)
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, *stage)
	}

	if postRaw, ok := m["post"].(map[string]any); ok {
		p.Post = pipeline.PostActions{
			Always:    toSteps(postRaw["always"]),
			OnSuccess: toSteps(postRaw["on-success"]),
			OnFailure: toSteps(postRaw["on-failure"]),
		}
	}

	if notifyRaw, ok := m["notify"].([]any); ok {
		for _, nv := range notifyRaw {
			nm, ok := nv.(map[string]any)
			if !ok {
				continue
			}
			p.Notify = append(p.Notify, pipeline.Notifier{
				Type:   str(nm["type"]),
				Config: strMap(nm["config"]),
			})
		}
	}

	return p, nil
}

func toStage(m map[string]any) (*pipeline.Stage, error) {
	s := &pipeline.Stage{
		Name:     str(m["name"]),
		Parallel: boolv(m["parallel"]),
		Steps:    toSteps(m["steps"]),
	}
	if whenRaw, ok := m["when"].(map[string]any); ok {
		if branch := str(whenRaw["branch"]); branch != "" {
			s.Condition = &pipeline.Condition{Kind: pipeline.ConditionBranch, Branch: branch}
		}
	}
	return s, nil
}

func toSteps(v any) []pipeline.Step {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]pipeline.Step, 0, len(raw))
	for _, sv := range raw {
		sm, ok := sv.(map[string]any)
		if !ok {
			continue
		}
		step := pipeline.Step{
			Name:    str(sm["name"]),
			Command: str(sm["run"]),
			Env:     strMap(sm["env"]),
			Secrets: strSlice(sm["secrets"]),
		}
		if image := str(sm["image"]); image != "" {
			step.Kind = pipeline.KindContainer
			step.Image = image
		} else {
			step.Kind = pipeline.KindShell
		}
		if tms, ok := sm["timeout"].(float64); ok {
			v := int64(tms)
			step.TimeoutMS = &v
		}
		out = append(out, step)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolv(v any) bool {
	b, _ := v.(bool)
	return b
}

func strSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, str(e))
	}
	return out
}

func strMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = str(val)
	}
	return out
}
