// Package gate decides whether a candidate's evidence admits it through a
// stage. Gates fail closed: absent or broken evidence blocks, it never
// passes. The only path past a denying gate is an exercised relief valve,
// which downgrades the denial to an auditable exception.
package gate

import (
	"fmt"

	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/refs"
)

// VerdictStatus is the outcome of a gate evaluation.
type VerdictStatus string

const (
	// Admit means every invariant held over dereferenceable evidence.
	Admit VerdictStatus = "ADMIT"
	// AdmitWithException means a deny was downgraded by a relief valve.
	AdmitWithException VerdictStatus = "ADMIT_WITH_EXCEPTION"
	// Deny means evidence was present and evaluable but an invariant failed.
	Deny VerdictStatus = "DENY"
	// Blocked means the gate could not evaluate: missing or unresolvable
	// evidence, or a disallowed actor. Blocked is not a failure verdict; it
	// is the absence of one.
	Blocked VerdictStatus = "BLOCKED"
)

// Verdict is the result of one gate evaluation.
type Verdict struct {
	GateID     string        `json:"gate_id"`
	Status     VerdictStatus `json:"status"`
	Reasons    []string      `json:"reasons,omitempty"`
	OverrideID string        `json:"override_id,omitempty"`
}

// Admitted reports whether the verdict lets the candidate through.
func (v Verdict) Admitted() bool {
	return v.Status == Admit || v.Status == AdmitWithException
}

// Invariant is one named predicate a gate requires. Expr is a CEL expression
// over the activation {decision, summary, details, status, exit_code}; it
// must evaluate to a boolean.
type Invariant struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// ReliefValve configures the override path of a gate. A gate without one
// cannot be overridden at all.
type ReliefValve struct {
	// AllowedActorKinds restricts who may exercise the valve.
	AllowedActorKinds []identity.ActorKind `json:"allowed_actor_kinds" yaml:"allowed_actor_kinds"`
}

// Gate binds invariants, evidence requirements, and actor restrictions to a
// stage boundary.
type Gate struct {
	GateID                string               `json:"gate_id" yaml:"gate_id"`
	SurfaceID             string               `json:"surface_id,omitempty" yaml:"surface_id,omitempty"`
	Invariants            []Invariant          `json:"invariants" yaml:"invariants"`
	AllowedActorKinds     []identity.ActorKind `json:"allowed_actor_kinds,omitempty" yaml:"allowed_actor_kinds,omitempty"`
	RequiredEvidenceKinds []refs.TypeKey       `json:"required_evidence_kinds,omitempty" yaml:"required_evidence_kinds,omitempty"`
	ReliefValve           *ReliefValve         `json:"relief_valve,omitempty" yaml:"relief_valve,omitempty"`
}

// Validate checks structural completeness of the gate.
func (g *Gate) Validate() error {
	if g.GateID == "" {
		return fmt.Errorf("gate: gate_id is required")
	}
	if len(g.Invariants) == 0 {
		return fmt.Errorf("gate %s: at least one invariant is required", g.GateID)
	}
	seen := map[string]bool{}
	for _, inv := range g.Invariants {
		if inv.Name == "" || inv.Expr == "" {
			return fmt.Errorf("gate %s: invariant needs name and expr", g.GateID)
		}
		if seen[inv.Name] {
			return fmt.Errorf("gate %s: duplicate invariant %q", g.GateID, inv.Name)
		}
		seen[inv.Name] = true
	}
	return nil
}

// actorAllowed reports whether kind may trigger this gate's evaluation. An
// empty allow list admits any actor kind.
func (g *Gate) actorAllowed(kind identity.ActorKind) bool {
	if len(g.AllowedActorKinds) == 0 {
		return true
	}
	for _, k := range g.AllowedActorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// valveAllows reports whether kind may exercise the relief valve.
func (rv *ReliefValve) valveAllows(kind identity.ActorKind) bool {
	if rv == nil {
		return false
	}
	if len(rv.AllowedActorKinds) == 0 {
		return true
	}
	for _, k := range rv.AllowedActorKinds {
		if k == kind {
			return true
		}
	}
	return false
}
