// Package surface defines work surfaces: the bounded unit of work a loop
// iterates on, plus the stage templates that describe how a work unit moves
// from intake to a terminal stage under gate control.
package surface

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loopgate/core/pkg/canonicalize"
	"github.com/loopgate/core/pkg/refs"
)

// TerminalTransition marks a stage whose pass transition ends the template
// instead of advancing to another stage.
const TerminalTransition = "TERMINAL"

// SuiteBinding pins a work surface or stage to an oracle suite. SuiteHash is
// the content hash of the exact suite definition; VersionConstraint is a
// semver range checked against registered suite versions at bind time.
type SuiteBinding struct {
	SuiteID           string `json:"suite_id" yaml:"suite_id"`
	SuiteHash         string `json:"suite_hash,omitempty" yaml:"suite_hash,omitempty"`
	VersionConstraint string `json:"version_constraint,omitempty" yaml:"version_constraint,omitempty"`
}

// StageTemplate is one stage in a template's stage graph.
type StageTemplate struct {
	StageID          string       `json:"stage_id" yaml:"stage_id"`
	Name             string       `json:"name" yaml:"name"`
	RequiredSuite    SuiteBinding `json:"required_suite" yaml:"required_suite"`
	RequiredGates    []string     `json:"required_gates,omitempty" yaml:"required_gates,omitempty"`
	TransitionOnPass string       `json:"transition_on_pass" yaml:"transition_on_pass"`
}

// Template is a validated stage graph from an initial stage to a terminal
// stage. Templates are content addressed so a work surface can prove which
// exact graph governed it.
type Template struct {
	TemplateID     string          `json:"template_id" yaml:"template_id"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	Stages         []StageTemplate `json:"stages" yaml:"stages"`
	InitialStageID string          `json:"initial_stage_id" yaml:"initial_stage_id"`
}

// Stage returns the stage with the given id, or nil.
func (t *Template) Stage(stageID string) *StageTemplate {
	for i := range t.Stages {
		if t.Stages[i].StageID == stageID {
			return &t.Stages[i]
		}
	}
	return nil
}

// ContentHash computes the canonical content address of the template.
func (t *Template) ContentHash() (refs.ContentAddress, error) {
	h, err := canonicalize.CanonicalHash(t)
	if err != nil {
		return "", err
	}
	return refs.ContentAddress(h), nil
}

// Validate checks the stage graph: unique ids, known transitions, and every
// stage able to reach the terminal transition.
func (t *Template) Validate() error {
	if t.TemplateID == "" {
		return fmt.Errorf("template: template_id is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s: at least one stage is required", t.TemplateID)
	}
	byID := make(map[string]*StageTemplate, len(t.Stages))
	for i := range t.Stages {
		s := &t.Stages[i]
		if s.StageID == "" {
			return fmt.Errorf("template %s: stage %d has no stage_id", t.TemplateID, i)
		}
		if _, dup := byID[s.StageID]; dup {
			return fmt.Errorf("template %s: duplicate stage id %q", t.TemplateID, s.StageID)
		}
		if s.RequiredSuite.SuiteID == "" {
			return fmt.Errorf("template %s: stage %q has no required suite", t.TemplateID, s.StageID)
		}
		byID[s.StageID] = s
	}
	if t.InitialStageID == "" {
		return fmt.Errorf("template %s: initial_stage_id is required", t.TemplateID)
	}
	if _, ok := byID[t.InitialStageID]; !ok {
		return fmt.Errorf("template %s: initial stage %q is not defined", t.TemplateID, t.InitialStageID)
	}
	for _, s := range t.Stages {
		if s.TransitionOnPass == TerminalTransition {
			continue
		}
		if _, ok := byID[s.TransitionOnPass]; !ok {
			return fmt.Errorf("template %s: stage %q transitions to unknown stage %q",
				t.TemplateID, s.StageID, s.TransitionOnPass)
		}
	}
	if err := t.checkReachesTerminal(byID); err != nil {
		return err
	}
	return nil
}

// checkReachesTerminal walks the pass transitions from the initial stage. The
// walk must hit TerminalTransition without revisiting a stage; a cycle in the
// pass path would make the template uncompletable.
func (t *Template) checkReachesTerminal(byID map[string]*StageTemplate) error {
	seen := make(map[string]bool, len(byID))
	cur := t.InitialStageID
	for {
		if seen[cur] {
			return fmt.Errorf("template %s: pass path cycles at stage %q and never terminates", t.TemplateID, cur)
		}
		seen[cur] = true
		next := byID[cur].TransitionOnPass
		if next == TerminalTransition {
			return nil
		}
		cur = next
	}
}

// LoadTemplate reads and validates a template from a YAML file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", path, err)
	}
	return ParseTemplate(data)
}

// ParseTemplate parses and validates a template from YAML bytes.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
