// Package oracle runs oracle suites against candidates inside isolated
// sandboxes and turns their outputs into evidence packets. An oracle here is
// an automated evaluator producing structured verdicts, not a person.
package oracle

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/loopgate/core/pkg/canonicalize"
	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

// EvaluatorKind selects the sandbox backend for a suite.
type EvaluatorKind string

const (
	EvaluatorProcess EvaluatorKind = "process"
	EvaluatorWasm    EvaluatorKind = "wasm"
)

// Evaluator describes how a suite's evaluation is executed.
type Evaluator struct {
	Kind       EvaluatorKind `json:"kind" yaml:"kind"`
	Command    []string      `json:"command,omitempty" yaml:"command,omitempty"`
	ModuleHash string        `json:"module_hash,omitempty" yaml:"module_hash,omitempty"`
}

// EnvironmentConstraints pin the execution environment of a suite so that
// identical inputs produce identical packets.
type EnvironmentConstraints struct {
	NetworkDisabled bool  `json:"network_disabled" yaml:"network_disabled"`
	Seed            int64 `json:"seed" yaml:"seed"`
	TimeboxSecs     int   `json:"timebox_secs" yaml:"timebox_secs"`
}

// ReportSpec declares one report file an evaluation must produce.
type ReportSpec struct {
	Name     string `json:"name" yaml:"name"`
	SchemaID string `json:"schema_id" yaml:"schema_id"`
}

// DefaultReports is the standard four-report contract of a suite.
func DefaultReports() []ReportSpec {
	return []ReportSpec{
		{Name: contracts.EvalSummaryFile, SchemaID: contracts.EvalSummarySchema},
		{Name: contracts.ResidualFile, SchemaID: contracts.ResidualSchema},
		{Name: contracts.CoverageFile, SchemaID: contracts.CoverageSchema},
		{Name: contracts.ViolationsFile, SchemaID: contracts.ViolationsSchema},
	}
}

// SuiteDefinition is the versioned, content-addressed definition of an
// oracle suite.
type SuiteDefinition struct {
	SuiteID         string                 `json:"suite_id" yaml:"suite_id"`
	Version         string                 `json:"version" yaml:"version"`
	Description     string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Evaluator       Evaluator              `json:"evaluator" yaml:"evaluator"`
	Constraints     EnvironmentConstraints `json:"constraints" yaml:"constraints"`
	DeclaredReports []ReportSpec           `json:"declared_reports" yaml:"declared_reports"`
}

// SuiteHash computes the canonical content address of the definition.
func (d *SuiteDefinition) SuiteHash() (refs.ContentAddress, error) {
	h, err := canonicalize.CanonicalHash(d)
	if err != nil {
		return "", err
	}
	return refs.NewContentAddress(h), nil
}

// Validate checks structural completeness of the definition.
func (d *SuiteDefinition) Validate() error {
	if d.SuiteID == "" {
		return fmt.Errorf("suite: suite_id is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("suite %s: bad version %q: %w", d.SuiteID, d.Version, err)
	}
	switch d.Evaluator.Kind {
	case EvaluatorProcess:
		if len(d.Evaluator.Command) == 0 {
			return fmt.Errorf("suite %s: process evaluator needs a command", d.SuiteID)
		}
	case EvaluatorWasm:
		if !refs.ContentAddress(d.Evaluator.ModuleHash).Valid() {
			return fmt.Errorf("suite %s: wasm evaluator needs a module hash", d.SuiteID)
		}
	default:
		return fmt.Errorf("suite %s: unknown evaluator kind %q", d.SuiteID, d.Evaluator.Kind)
	}
	if len(d.DeclaredReports) == 0 {
		return fmt.Errorf("suite %s: at least one declared report is required", d.SuiteID)
	}
	seen := map[string]bool{}
	for _, r := range d.DeclaredReports {
		if r.Name == "" || r.SchemaID == "" {
			return fmt.Errorf("suite %s: report spec needs name and schema_id", d.SuiteID)
		}
		if !contracts.KnownSchema(r.SchemaID) {
			return fmt.Errorf("suite %s: report %s declares unknown schema %q", d.SuiteID, r.Name, r.SchemaID)
		}
		if seen[r.Name] {
			return fmt.Errorf("suite %s: duplicate report name %q", d.SuiteID, r.Name)
		}
		seen[r.Name] = true
	}
	if d.Constraints.TimeboxSecs <= 0 {
		return fmt.Errorf("suite %s: timebox_secs must be positive", d.SuiteID)
	}
	return nil
}

// LoadSuite reads and validates a suite definition from a YAML file.
func LoadSuite(path string) (*SuiteDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load suite %s: %w", path, err)
	}
	var d SuiteDefinition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Registry holds registered suite versions keyed by suite id.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]map[string]*SuiteDefinition // suite id -> version -> def
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{suites: make(map[string]map[string]*SuiteDefinition)}
}

// Register adds a validated suite version. Re-registering an existing
// version is an error; suite versions are immutable once published.
func (r *Registry) Register(d *SuiteDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.suites[d.SuiteID]
	if !ok {
		versions = make(map[string]*SuiteDefinition)
		r.suites[d.SuiteID] = versions
	}
	if _, dup := versions[d.Version]; dup {
		return fmt.Errorf("suite %s: version %s already registered", d.SuiteID, d.Version)
	}
	versions[d.Version] = d
	return nil
}

// Lookup returns the highest registered version of a suite satisfying the
// constraint. An empty constraint matches any version.
func (r *Registry) Lookup(suiteID, constraint string) (*SuiteDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.suites[suiteID]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("suite %s: not registered", suiteID)
	}
	var c *semver.Constraints
	if constraint != "" {
		var err error
		c, err = semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("suite %s: bad constraint %q: %w", suiteID, constraint, err)
		}
	}
	candidates := make([]*semver.Version, 0, len(versions))
	for v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if c == nil || c.Check(sv) {
			candidates = append(candidates, sv)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("suite %s: no registered version satisfies %q", suiteID, constraint)
	}
	sort.Sort(semver.Collection(candidates))
	best := candidates[len(candidates)-1]
	return versions[best.Original()], nil
}
