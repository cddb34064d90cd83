package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/core/pkg/budget"
	"github.com/loopgate/core/pkg/evidence"
	"github.com/loopgate/core/pkg/gate"
	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/oracle"
	"github.com/loopgate/core/pkg/refs"
	"github.com/loopgate/core/pkg/surface"
)

var (
	// ErrLoopNotFound means no loop with that id exists in this engine.
	ErrLoopNotFound = errors.New("loop: not found")
	// ErrIterationInFlight means the loop already has a running iteration.
	// Iterations on one loop are strictly serialized.
	ErrIterationInFlight = errors.New("loop: iteration already in flight")
	// ErrResumeBlocked means a standing stop trigger or open blocking
	// exception prevents resuming.
	ErrResumeBlocked = errors.New("loop: resume blocked")
	// ErrPreconditionUnmet means an activation was attempted before the
	// loop had both a bound work surface and a directive reference.
	ErrPreconditionUnmet = errors.New("loop: precondition unmet")
)

// EngineConfig tunes engine behavior.
type EngineConfig struct {
	// TriggerPolicy maps fired triggers to pause or close.
	TriggerPolicy budget.TriggerPolicy
	// BlockingExceptions makes every exception opened by an exercised
	// override block further iterations until resolved.
	BlockingExceptions bool
	// Metrics receives engine measurements; nil disables them.
	Metrics Metrics
}

// Metrics receives measurements from the iteration path.
// observability.Provider satisfies it.
type Metrics interface {
	RecordIteration(ctx context.Context, loopID string, duration time.Duration, admitted bool)
	RecordOracleRun(ctx context.Context, suiteID, status string)
	RecordVerdict(ctx context.Context, gateID, status string)
	RecordTrigger(ctx context.Context, loopID, trigger string)
}

// Engine owns all loop mutation: lifecycle transitions, iteration
// execution, and the event history. Each loop is serialized under its own
// lock; at most one iteration is in flight per loop at any time.
type Engine struct {
	store    evidence.Store
	runner   *oracle.Runner
	suites   *oracle.Registry
	gates    map[string]*gate.Gate
	gateEval *gate.Evaluator
	enforcer *budget.Enforcer
	log      EventLog
	logger   *slog.Logger
	policy   budget.TriggerPolicy
	blocking bool
	metrics  Metrics

	mu    sync.RWMutex
	loops map[string]*loopState
}

type queuedTransition struct {
	event   Event
	actorID string
}

type loopState struct {
	mu       sync.Mutex
	loop     *Loop
	template *surface.Template
	inFlight bool
	queued   *queuedTransition
}

// NewEngine wires the engine from its collaborators.
func NewEngine(store evidence.Store, runner *oracle.Runner, suites *oracle.Registry,
	gateEval *gate.Evaluator, enforcer *budget.Enforcer, log EventLog,
	logger *slog.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.TriggerPolicy
	if policy == nil {
		policy = budget.DefaultTriggerPolicy()
	}
	return &Engine{
		store:    store,
		runner:   runner,
		suites:   suites,
		gates:    make(map[string]*gate.Gate),
		gateEval: gateEval,
		enforcer: enforcer,
		log:      log,
		logger:   logger,
		policy:   policy,
		blocking: cfg.BlockingExceptions,
		metrics:  cfg.Metrics,
		loops:    make(map[string]*loopState),
	}
}

// RegisterGate makes a gate resolvable by stage templates.
func (e *Engine) RegisterGate(g *gate.Gate) error {
	if err := g.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.gates[g.GateID]; dup {
		return fmt.Errorf("loop: gate %s already registered", g.GateID)
	}
	e.gates[g.GateID] = g
	return nil
}

// CreateParams describe a new loop.
type CreateParams struct {
	Goal         string
	Budget       budget.Budget
	Template     *surface.Template
	IntakeRef    refs.TypedRef
	SuiteBinding surface.SuiteBinding
	DirectiveRef *refs.TypedRef
	ActorID      string
}

// Create builds a loop in CREATED with a bound work surface.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Loop, error) {
	if p.Goal == "" {
		return nil, fmt.Errorf("loop: goal is required")
	}
	if err := p.Budget.Validate(); err != nil {
		return nil, err
	}
	tmplHash, err := p.Template.ContentHash()
	if err != nil {
		return nil, err
	}
	tmplRef := refs.New(refs.TypeTemplate, tmplHash.String(), refs.RelGovernedBy)
	ws, err := surface.NewWorkSurface("wu_"+uuid.New().String(), p.IntakeRef, p.Template, tmplRef, p.SuiteBinding)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		LoopID:       refs.NewLoopID(),
		Goal:         p.Goal,
		State:        StateCreated,
		Budget:       p.Budget,
		WorkSurface:  ws,
		DirectiveRef: p.DirectiveRef,
		CreatedAt:    time.Now().UTC(),
	}
	st := &loopState{loop: l, template: p.Template}
	e.mu.Lock()
	e.loops[l.LoopID] = st
	e.mu.Unlock()

	if err := e.appendEvent(ctx, st, EventTypeLoopCreated, p.ActorID, map[string]interface{}{
		"goal":          p.Goal,
		"template_hash": tmplHash.String(),
		"suite_id":      p.SuiteBinding.SuiteID,
	}); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loop.snapshot(), nil
}

func (e *Engine) state(loopID string) (*loopState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.loops[loopID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoopNotFound, loopID)
	}
	return st, nil
}

// Get returns a snapshot of a loop.
func (e *Engine) Get(loopID string) (*Loop, error) {
	st, err := e.state(loopID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loop.snapshot(), nil
}

// Activate moves CREATED to ACTIVE. It fails with ErrPreconditionUnmet
// unless the loop has a bound work surface and a directive reference.
func (e *Engine) Activate(ctx context.Context, loopID string, actor *identity.Actor) (*Loop, error) {
	return e.transition(ctx, loopID, EventActivate, actor)
}

// Pause moves ACTIVE to PAUSED. During an in-flight iteration the pause is
// queued and applied once the run reaches OK or ERROR.
func (e *Engine) Pause(ctx context.Context, loopID string, actor *identity.Actor) (*Loop, error) {
	return e.transition(ctx, loopID, EventPause, actor)
}

// Resume moves PAUSED back to ACTIVE. Blocked while a standing stop trigger
// or an open blocking exception exists.
func (e *Engine) Resume(ctx context.Context, loopID string, actor *identity.Actor) (*Loop, error) {
	return e.transition(ctx, loopID, EventResume, actor)
}

// Close moves the loop to its terminal state. Queued like Pause during an
// in-flight iteration.
func (e *Engine) Close(ctx context.Context, loopID string, actor *identity.Actor) (*Loop, error) {
	return e.transition(ctx, loopID, EventClose, actor)
}

func actorID(actor *identity.Actor) string {
	if actor == nil {
		return ""
	}
	return actor.ID
}

func (e *Engine) transition(ctx context.Context, loopID string, event Event, actor *identity.Actor) (*Loop, error) {
	st, err := e.state(loopID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight && (event == EventPause || event == EventClose) {
		// Applied after the current run completes; last request wins.
		st.queued = &queuedTransition{event: event, actorID: actorID(actor)}
		e.logger.Info("transition queued behind in-flight iteration",
			"loop_id", loopID, "event", string(event))
		return st.loop.snapshot(), nil
	}

	if event == EventActivate {
		if st.loop.WorkSurface == nil {
			return nil, fmt.Errorf("%w: no work surface bound on %s", ErrPreconditionUnmet, loopID)
		}
		if st.loop.DirectiveRef == nil {
			return nil, fmt.Errorf("%w: no directive bound on %s", ErrPreconditionUnmet, loopID)
		}
	}

	if event == EventResume {
		if st.loop.UnresolvedTrigger() {
			return nil, fmt.Errorf("%w: standing stop trigger on %s", ErrResumeBlocked, loopID)
		}
		if st.loop.BlockingExceptionOpen() {
			return nil, fmt.Errorf("%w: open blocking exception on %s", ErrResumeBlocked, loopID)
		}
	}

	if err := e.applyTransitionLocked(ctx, st, event, actorID(actor)); err != nil {
		return nil, err
	}
	return st.loop.snapshot(), nil
}

// applyTransitionLocked mutates state under st.mu and records the event.
func (e *Engine) applyTransitionLocked(ctx context.Context, st *loopState, event Event, actor string) error {
	next, err := Transition(st.loop.State, event)
	if err != nil {
		return err
	}
	prev := st.loop.State
	st.loop.State = next
	now := time.Now().UTC()
	switch event {
	case EventActivate:
		st.loop.ActivatedAt = now
	case EventClose:
		st.loop.ClosedAt = now
	}
	return e.appendEventLocked(ctx, st, EventTypeLoopTransition, actor, map[string]interface{}{
		"from":  string(prev),
		"event": string(event),
		"to":    string(next),
	})
}

// appendEvent commits an envelope and stamps the loop's event cursor.
// For call sites that do not hold st.mu.
func (e *Engine) appendEvent(ctx context.Context, st *loopState, eventType, actor string, payload map[string]interface{}) error {
	ev, seq, err := e.commitEvent(ctx, st.loop.LoopID, eventType, actor, payload)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.loop.LastEventID = ev.EventID
	st.loop.LastEventSeq = seq
	st.mu.Unlock()
	return nil
}

// appendEventLocked is the variant for callers already holding st.mu.
func (e *Engine) appendEventLocked(ctx context.Context, st *loopState, eventType, actor string, payload map[string]interface{}) error {
	ev, seq, err := e.commitEvent(ctx, st.loop.LoopID, eventType, actor, payload)
	if err != nil {
		return err
	}
	st.loop.LastEventID = ev.EventID
	st.loop.LastEventSeq = seq
	return nil
}

func (e *Engine) commitEvent(ctx context.Context, loopID, eventType, actor string, payload map[string]interface{}) (*EventEnvelope, uint64, error) {
	ev, err := newEnvelope(loopID, eventType, actor, payload)
	if err != nil {
		return nil, 0, err
	}
	seq, err := e.log.Append(ctx, ev)
	if err != nil {
		return nil, 0, fmt.Errorf("loop: append %s event: %w", eventType, err)
	}
	return ev, seq, nil
}

// IterationRequest asks for one governed iteration on a loop.
type IterationRequest struct {
	LoopID        string
	CandidateID   string
	CandidatePath string
	Actor         *identity.Actor
	// Override presents an exercised relief valve for this iteration's
	// gate evaluations.
	Override *gate.OverrideInput
}

// IterationResult is the record of one completed or preempted iteration.
type IterationResult struct {
	IterationID  string              `json:"iteration_id"`
	LoopID       string              `json:"loop_id"`
	StageID      string              `json:"stage_id,omitempty"`
	CandidateID  string              `json:"candidate_id,omitempty"`
	EvidenceAddr refs.ContentAddress `json:"evidence_addr,omitempty"`
	Verdicts     []gate.Verdict      `json:"verdicts,omitempty"`
	Advanced     bool                `json:"advanced"`
	SurfaceDone  bool                `json:"surface_done"`
	Preempted    *FiredTrigger       `json:"preempted,omitempty"`
	LoopState    State               `json:"loop_state"`
}

// RunIteration executes the iteration algorithm: budget check, oracle run,
// evidence storage, gate evaluation, and stage advance or failure. A
// preempting trigger applies its policy action instead of running. The
// caller gets a result whenever the loop exists and was ACTIVE.
func (e *Engine) RunIteration(ctx context.Context, req IterationRequest) (*IterationResult, error) {
	st, err := e.state(req.LoopID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.inFlight {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIterationInFlight, req.LoopID)
	}
	if st.loop.State != StateActive {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, "iterate", st.loop.State)
	}

	check, err := e.enforcer.CheckBeforeIteration(ctx, budget.CheckInput{
		LoopID:                st.loop.LoopID,
		Budget:                st.loop.Budget,
		ActivatedAt:           st.loop.ActivatedAt,
		BlockingExceptionOpen: st.loop.BlockingExceptionOpen(),
	})
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	if !check.Proceed {
		result, err := e.preemptLocked(ctx, st, check, actorID(req.Actor))
		st.mu.Unlock()
		return result, err
	}

	iterationID := refs.NewIterationID()
	stageID := st.loop.WorkSurface.CurrentStageID
	st.inFlight = true
	st.mu.Unlock()

	result, runErr := e.executeIteration(ctx, st, iterationID, stageID, req)

	st.mu.Lock()
	st.inFlight = false
	if st.queued != nil {
		q := st.queued
		st.queued = nil
		if err := e.applyTransitionLocked(ctx, st, q.event, q.actorID); err != nil {
			e.logger.Warn("queued transition no longer applicable",
				"loop_id", req.LoopID, "event", string(q.event), "error", err)
		}
	}
	if result != nil {
		result.LoopState = st.loop.State
	}
	st.mu.Unlock()
	return result, runErr
}

// executeIteration runs the oracle and gates outside the loop lock; only
// the in-flight flag guards the loop while the sandbox runs.
func (e *Engine) executeIteration(ctx context.Context, st *loopState, iterationID, stageID string, req IterationRequest) (*IterationResult, error) {
	loopID := st.loop.LoopID
	startedAt := time.Now()
	result := &IterationResult{
		IterationID: iterationID,
		LoopID:      loopID,
		StageID:     stageID,
		CandidateID: req.CandidateID,
	}

	n, err := e.enforcer.RecordIteration(ctx, loopID)
	if err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, st, EventTypeIterationStarted, actorID(req.Actor), map[string]interface{}{
		"iteration_id": iterationID,
		"stage_id":     stageID,
		"candidate_id": req.CandidateID,
		"iteration_n":  n,
	}); err != nil {
		return nil, err
	}

	stage := st.template.Stage(stageID)
	if stage == nil {
		return nil, fmt.Errorf("loop %s: stage %s not in template", loopID, stageID)
	}
	suiteDef, err := e.suites.Lookup(stage.RequiredSuite.SuiteID, stage.RequiredSuite.VersionConstraint)
	if err != nil {
		return nil, err
	}

	runs, err := e.enforcer.RecordOracleRun(ctx, loopID)
	if err != nil {
		return nil, err
	}
	packet, err := e.runner.Run(ctx, oracle.RunRequest{
		CandidateID:   req.CandidateID,
		CandidatePath: req.CandidatePath,
		Suite:         suiteDef,
		StageID:       stageID,
	})
	if err != nil {
		return nil, err
	}
	addr, err := e.store.Put(ctx, packet, "")
	if err != nil {
		return nil, err
	}
	result.EvidenceAddr = addr
	if e.metrics != nil {
		e.metrics.RecordOracleRun(ctx, suiteDef.SuiteID, string(packet.Status))
	}
	if err := e.appendEvent(ctx, st, EventTypeOracleRunRecorded, actorID(req.Actor), map[string]interface{}{
		"iteration_id":  iterationID,
		"suite_id":      suiteDef.SuiteID,
		"evidence_addr": addr.String(),
		"status":        string(packet.Status),
		"oracle_run_n":  runs,
	}); err != nil {
		return nil, err
	}

	evidenceRef := refs.New(refs.TypeEvidenceBundle, addr.String(), refs.RelSupportedBy)
	allAdmitted := true
	actorKind := identity.ActorAgent
	if req.Actor != nil {
		actorKind = req.Actor.Kind
	}
	for _, gateID := range stage.RequiredGates {
		g, ok := e.gateFor(gateID)
		if !ok {
			return nil, fmt.Errorf("loop %s: stage %s requires unregistered gate %s", loopID, stageID, gateID)
		}
		verdict := e.gateEval.Evaluate(ctx, gate.EvaluateInput{
			Gate:      g,
			Evidence:  []refs.TypedRef{evidenceRef},
			ActorKind: actorKind,
			Override:  req.Override,
		})
		result.Verdicts = append(result.Verdicts, verdict)
		if e.metrics != nil {
			e.metrics.RecordVerdict(ctx, verdict.GateID, string(verdict.Status))
		}
		if err := e.appendEvent(ctx, st, EventTypeGateVerdict, actorID(req.Actor), map[string]interface{}{
			"iteration_id": iterationID,
			"gate_id":      verdict.GateID,
			"status":       string(verdict.Status),
			"reasons":      verdict.Reasons,
			"override_id":  verdict.OverrideID,
		}); err != nil {
			return nil, err
		}
		if verdict.Status == gate.AdmitWithException {
			if err := e.openException(ctx, st, verdict, stageID, actorID(req.Actor)); err != nil {
				return nil, err
			}
		}
		if !verdict.Admitted() {
			allAdmitted = false
		}
	}

	admitted := allAdmitted
	if len(stage.RequiredGates) == 0 {
		// A stage without gates still demands a passing decision.
		admitted = packet.Passed()
	}

	st.mu.Lock()
	st.loop.Iterations = n
	st.loop.OracleRuns = runs
	if admitted {
		done, advErr := st.loop.WorkSurface.Advance(st.template, evidenceRef)
		if advErr != nil {
			st.mu.Unlock()
			return nil, advErr
		}
		result.Advanced = true
		result.SurfaceDone = done
	} else {
		st.loop.WorkSurface.MarkFailed()
	}
	st.mu.Unlock()

	if err := e.appendEvent(ctx, st, EventTypeIterationCompleted, actorID(req.Actor), map[string]interface{}{
		"iteration_id": iterationID,
		"stage_id":     stageID,
		"advanced":     result.Advanced,
		"surface_done": result.SurfaceDone,
	}); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordIteration(ctx, loopID, time.Since(startedAt), admitted)
	}
	return result, nil
}

func (e *Engine) gateFor(gateID string) (*gate.Gate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.gates[gateID]
	return g, ok
}

// preemptLocked records the fired trigger permanently and applies the
// policy action. Caller holds st.mu.
func (e *Engine) preemptLocked(ctx context.Context, st *loopState, check budget.Decision, actor string) (*IterationResult, error) {
	fired := FiredTrigger{
		Trigger: check.Trigger,
		Action:  check.Action,
		Reason:  check.Reason,
		FiredAt: time.Now().UTC(),
	}
	st.loop.FiredTriggers = append(st.loop.FiredTriggers, fired)
	if e.metrics != nil {
		e.metrics.RecordTrigger(ctx, st.loop.LoopID, string(check.Trigger))
	}
	if err := e.appendEventLocked(ctx, st, EventTypeTriggerFired, actor, map[string]interface{}{
		"trigger": string(check.Trigger),
		"action":  string(check.Action),
		"reason":  check.Reason,
	}); err != nil {
		return nil, err
	}

	event := EventPause
	if check.Action == budget.ActionClose {
		event = EventClose
	}
	if err := e.applyTransitionLocked(ctx, st, event, actor); err != nil {
		// Already paused or closed; the trigger record stands either way.
		e.logger.Warn("trigger action not applicable", "loop_id", st.loop.LoopID,
			"trigger", string(check.Trigger), "error", err)
	}
	return &IterationResult{
		LoopID:    st.loop.LoopID,
		Preempted: &fired,
		LoopState: st.loop.State,
	}, nil
}

// openException records an exception for an exercised override.
func (e *Engine) openException(ctx context.Context, st *loopState, verdict gate.Verdict, stageID, actor string) error {
	ex := Exception{
		ExceptionID: "exc_" + uuid.New().String(),
		OverrideID:  verdict.OverrideID,
		GateID:      verdict.GateID,
		StageID:     stageID,
		Blocking:    e.blocking,
		OpenedAt:    time.Now().UTC(),
	}
	st.mu.Lock()
	st.loop.Exceptions = append(st.loop.Exceptions, ex)
	st.mu.Unlock()
	return e.appendEvent(ctx, st, EventTypeExceptionOpened, actor, map[string]interface{}{
		"exception_id": ex.ExceptionID,
		"override_id":  ex.OverrideID,
		"gate_id":      ex.GateID,
		"stage_id":     ex.StageID,
		"blocking":     ex.Blocking,
	})
}

// ResolveException marks an exception resolved.
func (e *Engine) ResolveException(ctx context.Context, loopID, exceptionID string, actor *identity.Actor) error {
	st, err := e.state(loopID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.loop.Exceptions {
		if st.loop.Exceptions[i].ExceptionID != exceptionID {
			continue
		}
		if !st.loop.Exceptions[i].Open() {
			return fmt.Errorf("loop: exception %s already resolved", exceptionID)
		}
		st.loop.Exceptions[i].ResolvedAt = time.Now().UTC()
		return e.appendEventLocked(ctx, st, EventTypeExceptionResolved, actorID(actor), map[string]interface{}{
			"exception_id": exceptionID,
		})
	}
	return fmt.Errorf("loop: exception %s not found on %s", exceptionID, loopID)
}

// HasInFlight reports whether an iteration is currently running.
func (e *Engine) HasInFlight(loopID string) bool {
	st, err := e.state(loopID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// ActiveLoopIDs lists loops currently in ACTIVE.
func (e *Engine) ActiveLoopIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, st := range e.loops {
		st.mu.Lock()
		if st.loop.State == StateActive {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}
