package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/evidence"
	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/refs"
)

// Evaluator evaluates gates over evidence. It is a pure function of its
// inputs: programs are compiled once per expression, the activation carries
// no wall clock, and identical inputs always yield identical verdicts.
type Evaluator struct {
	store evidence.Store
	env   *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEvaluator builds an evaluator over the given evidence store.
func NewEvaluator(store evidence.Store) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("decision", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("summary", cel.StringType),
		cel.Variable("details", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("status", cel.StringType),
		cel.Variable("exit_code", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: build cel env: %w", err)
	}
	return &Evaluator{
		store:    store,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// program compiles an invariant expression, caching by expression text.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("gate: program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// OverrideInput is an exercised relief valve presented at evaluation time.
type OverrideInput struct {
	Record *contracts.OverrideRecord
	// RecordRef must dereference to the stored override record.
	RecordRef refs.TypedRef
}

// EvaluateInput bundles everything one gate evaluation may consider.
type EvaluateInput struct {
	Gate      *Gate
	Evidence  []refs.TypedRef
	ActorKind identity.ActorKind
	Override  *OverrideInput
}

// Evaluate runs the fail-closed gate algorithm:
//
//  1. an actor kind outside the gate's allow list blocks;
//  2. a required evidence kind that is missing or non-dereferenceable
//     blocks, it never passes implicitly;
//  3. packets are dereferenced; an ERROR packet or a packet without a PASS
//     decision denies, and every false invariant denies with its name;
//  4. a configured relief valve with a valid exercised override downgrades
//     DENY to ADMIT_WITH_EXCEPTION.
//
// BLOCKED is never downgraded: an override can excuse a failed judgment,
// not a missing one.
func (e *Evaluator) Evaluate(ctx context.Context, in EvaluateInput) Verdict {
	g := in.Gate
	verdict := Verdict{GateID: g.GateID}
	if err := g.Validate(); err != nil {
		verdict.Status = Blocked
		verdict.Reasons = []string{err.Error()}
		return verdict
	}

	// Step 1: actor admission.
	if !g.actorAllowed(in.ActorKind) {
		verdict.Status = Blocked
		verdict.Reasons = []string{fmt.Sprintf("actor kind %s not allowed for gate %s", in.ActorKind, g.GateID)}
		return verdict
	}

	// Step 2: required evidence presence.
	if reasons := e.missingEvidence(ctx, g, in.Evidence); len(reasons) > 0 {
		verdict.Status = Blocked
		verdict.Reasons = reasons
		return verdict
	}

	// Step 3: dereference and judge.
	packets, blockReasons := e.resolvePackets(ctx, in.Evidence)
	if len(blockReasons) > 0 {
		verdict.Status = Blocked
		verdict.Reasons = blockReasons
		return verdict
	}
	denyReasons := e.judge(g, packets)
	if len(denyReasons) == 0 {
		verdict.Status = Admit
		return verdict
	}

	// Step 4: relief valve.
	if overrideID, ok := e.validOverride(ctx, g, in); ok {
		verdict.Status = AdmitWithException
		verdict.Reasons = denyReasons
		verdict.OverrideID = overrideID
		return verdict
	}
	verdict.Status = Deny
	verdict.Reasons = denyReasons
	return verdict
}

// missingEvidence checks every required kind has at least one
// dereferenceable reference.
func (e *Evaluator) missingEvidence(ctx context.Context, g *Gate, evRefs []refs.TypedRef) []string {
	var reasons []string
	for _, kind := range g.RequiredEvidenceKinds {
		found := false
		for _, ref := range evRefs {
			if ref.TypeKey != kind {
				continue
			}
			if evidence.Dereferenceable(ctx, e.store, ref) {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, fmt.Sprintf("required evidence kind %s missing or not dereferenceable", kind))
		}
	}
	return reasons
}

// resolvePackets loads every evidence bundle reference. A reference that
// fails to resolve blocks the whole evaluation.
func (e *Evaluator) resolvePackets(ctx context.Context, evRefs []refs.TypedRef) ([]*contracts.EvidencePacket, []string) {
	var packets []*contracts.EvidencePacket
	var reasons []string
	for _, ref := range evRefs {
		if ref.TypeKey != refs.TypeEvidenceBundle {
			continue
		}
		addr := refs.ContentAddress(ref.ID)
		if !addr.Valid() {
			reasons = append(reasons, fmt.Sprintf("evidence reference %s is not a content address", ref.ID))
			continue
		}
		p, err := e.store.Get(ctx, addr)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("evidence %s not dereferenceable: %v", addr, err))
			continue
		}
		packets = append(packets, p)
	}
	if len(packets) == 0 && len(reasons) == 0 {
		reasons = append(reasons, "no evidence bundles presented")
	}
	return packets, reasons
}

// judge applies packet status checks and the gate's invariants. Returned
// reasons are sorted for verdict determinism.
func (e *Evaluator) judge(g *Gate, packets []*contracts.EvidencePacket) []string {
	reasonSet := map[string]bool{}
	for _, p := range packets {
		if p.Status == contracts.PacketError {
			reasonSet[fmt.Sprintf("evidence packet for suite %s is ERROR: %s", p.SuiteID, p.Summary)] = true
			continue
		}
		if p.Decision == nil {
			reasonSet[fmt.Sprintf("evidence packet for suite %s carries no decision", p.SuiteID)] = true
			continue
		}
		activation := activationFor(p)
		for _, inv := range g.Invariants {
			prg, err := e.program(inv.Expr)
			if err != nil {
				reasonSet[fmt.Sprintf("invariant %s: %v", inv.Name, err)] = true
				continue
			}
			out, _, err := prg.Eval(activation)
			if err != nil {
				reasonSet[fmt.Sprintf("invariant %s: evaluation error: %v", inv.Name, err)] = true
				continue
			}
			held, ok := out.Value().(bool)
			if !ok {
				reasonSet[fmt.Sprintf("invariant %s: expression is not boolean", inv.Name)] = true
				continue
			}
			if !held {
				reasonSet[fmt.Sprintf("invariant %s violated", inv.Name)] = true
			}
		}
	}
	reasons := make([]string, 0, len(reasonSet))
	for r := range reasonSet {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return reasons
}

// validOverride checks the relief valve preconditions: valve configured,
// actor allowed to exercise it, record complete, record bound to this gate,
// and the presented reference addressing exactly the record's content.
func (e *Evaluator) validOverride(ctx context.Context, g *Gate, in EvaluateInput) (string, bool) {
	if g.ReliefValve == nil || in.Override == nil || in.Override.Record == nil {
		return "", false
	}
	rec := in.Override.Record
	if !g.ReliefValve.valveAllows(identity.ActorKind(rec.ActorKind)) {
		return "", false
	}
	if rec.GateID != g.GateID {
		return "", false
	}
	if rec.Rationale == "" || rec.ActorID == "" {
		return "", false
	}
	ref := in.Override.RecordRef
	if ref.TypeKey != refs.TypeOverride {
		return "", false
	}
	addr, err := rec.ContentAddress()
	if err != nil || ref.ID != addr.String() {
		return "", false
	}
	return rec.OverrideID, true
}

// activationFor builds the CEL activation from a packet. Only evaluation
// results go in; no timestamps, so the verdict cannot depend on when the
// gate runs.
func activationFor(p *contracts.EvidencePacket) map[string]interface{} {
	decision := map[string]interface{}{}
	if p.Decision != nil {
		decision["status"] = string(p.Decision.Status)
		decision["rule_id"] = p.Decision.RuleID
		decision["rationale"] = p.Decision.Rationale
		if p.Decision.Thresholds != nil {
			decision["thresholds"] = p.Decision.Thresholds
		}
	}
	details := p.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return map[string]interface{}{
		"decision":  decision,
		"summary":   p.Summary,
		"details":   details,
		"status":    string(p.Status),
		"exit_code": p.ExitCode,
	}
}
