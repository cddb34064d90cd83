package loop

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopgate/core/pkg/budget"
	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/evidence"
	"github.com/loopgate/core/pkg/gate"
	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/oracle"
	"github.com/loopgate/core/pkg/refs"
	"github.com/loopgate/core/pkg/surface"
)

// evaluatorScript writes the four declared reports with the given decision
// status and exits with the given code.
func evaluatorScript(decision string, exitCode string) string {
	return `#!/bin/sh
cat > eval_summary.json <<EOF
{"schema":"loopgate.eval_summary.v1","oracle_id":"suite.loop","suite_id":"suite.loop","candidate_id":"$CANDIDATE_ID","stage_id":"$ORACLE_STAGE_ID","decision":{"status":"` + decision + `","rule_id":"all_green"},"summary":"done","computed_at":"2026-03-01T10:00:00Z"}
EOF
cat > residual.json <<EOF
{"schema":"loopgate.residual.v1","suite_id":"suite.loop","candidate_id":"$CANDIDATE_ID","stage_id":"$ORACLE_STAGE_ID","residual":{"per_axis":{"correctness":0.0},"composite_norm":0.0,"norm_method":"L2"},"computed_at":"2026-03-01T10:00:00Z"}
EOF
cat > coverage.json <<EOF
{"schema":"loopgate.coverage.v1","suite_id":"suite.loop","candidate_id":"$CANDIDATE_ID","stage_id":"$ORACLE_STAGE_ID","coverage":{"per_axis":{"correctness":1.0},"composite":1.0},"computed_at":"2026-03-01T10:00:00Z"}
EOF
cat > violations.json <<EOF
{"schema":"loopgate.violations.v1","suite_id":"suite.loop","candidate_id":"$CANDIDATE_ID","stage_id":"$ORACLE_STAGE_ID","violations":[],"summary":{"error_count":0,"warning_count":0,"info_count":0,"total_count":0},"computed_at":"2026-03-01T10:00:00Z"}
EOF
exit ` + exitCode + `
`
}

type harness struct {
	engine *Engine
	store  *evidence.MemoryStore
	log    *MemoryEventLog
	tmpl   *surface.Template
}

func newHarness(t *testing.T, script string, cfg EngineConfig) *harness {
	t.Helper()
	scriptPath := filepath.Join(t.TempDir(), "evaluator.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	suiteDef := &oracle.SuiteDefinition{
		SuiteID: "suite.loop",
		Version: "1.0.0",
		Evaluator: oracle.Evaluator{
			Kind:    oracle.EvaluatorProcess,
			Command: []string{"/bin/sh", scriptPath},
		},
		Constraints:     oracle.EnvironmentConstraints{NetworkDisabled: true, Seed: 7, TimeboxSecs: 30},
		DeclaredReports: oracle.DefaultReports(),
	}
	registry := oracle.NewRegistry()
	require.NoError(t, registry.Register(suiteDef))

	store := evidence.NewMemoryStore()
	gateEval, err := gate.NewEvaluator(store)
	require.NoError(t, err)

	runner := oracle.NewRunner(map[oracle.EvaluatorKind]oracle.Backend{
		oracle.EvaluatorProcess: oracle.ProcessBackend{},
	}, 2, nil)
	enforcer := budget.NewEnforcer(budget.NewMemoryCounterStore(), cfg.TriggerPolicy)
	log := NewMemoryEventLog()

	engine := NewEngine(store, runner, registry, gateEval, enforcer, log, nil, cfg)
	require.NoError(t, engine.RegisterGate(&gate.Gate{
		GateID: "gate.decision",
		Invariants: []gate.Invariant{
			{Name: "decision_pass", Expr: `decision.status == "PASS"`},
		},
		RequiredEvidenceKinds: []refs.TypeKey{refs.TypeEvidenceBundle},
		ReliefValve: &gate.ReliefValve{
			AllowedActorKinds: []identity.ActorKind{identity.ActorHuman},
		},
	}))

	tmpl := &surface.Template{
		TemplateID:     "tmpl.loop",
		InitialStageID: "stage.build",
		Stages: []surface.StageTemplate{
			{
				StageID:          "stage.build",
				Name:             "Build",
				RequiredSuite:    surface.SuiteBinding{SuiteID: "suite.loop"},
				RequiredGates:    []string{"gate.decision"},
				TransitionOnPass: "stage.review",
			},
			{
				StageID:          "stage.review",
				Name:             "Review",
				RequiredSuite:    surface.SuiteBinding{SuiteID: "suite.loop"},
				RequiredGates:    []string{"gate.decision"},
				TransitionOnPass: surface.TerminalTransition,
			},
		},
	}
	return &harness{engine: engine, store: store, log: log, tmpl: tmpl}
}

func (h *harness) createActiveLoop(t *testing.T, b budget.Budget) *Loop {
	t.Helper()
	ctx := context.Background()
	directive := refs.New(refs.TypeDirective, "dir_1", refs.RelGovernedBy)
	l, err := h.engine.Create(ctx, CreateParams{
		Goal:         "fix the flaky parser",
		Budget:       b,
		Template:     h.tmpl,
		IntakeRef:    refs.New(refs.TypeIntake, "intake_1", refs.RelAbout),
		SuiteBinding: surface.SuiteBinding{SuiteID: "suite.loop"},
		DirectiveRef: &directive,
		ActorID:      "operator-1",
	})
	require.NoError(t, err)
	l, err = h.engine.Activate(ctx, l.LoopID, &identity.Actor{ID: "operator-1", Kind: identity.ActorHuman})
	require.NoError(t, err)
	require.Equal(t, StateActive, l.State)
	return l
}

func human() *identity.Actor {
	return &identity.Actor{ID: "operator-1", Kind: identity.ActorHuman}
}

func TestPassingIterationAdvancesStage(t *testing.T) {
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_ok",
		Actor:       human(),
	})
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.False(t, res.SurfaceDone)
	require.Len(t, res.Verdicts, 1)
	assert.Equal(t, gate.Admit, res.Verdicts[0].Status)

	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	assert.Equal(t, "stage.review", snap.WorkSurface.CurrentStageID)
	assert.Equal(t, surface.StageCompleted, snap.WorkSurface.StageRecordFor("stage.build").Status)
	assert.Equal(t, int64(1), snap.Iterations)

	// The second passing iteration finishes the surface.
	res, err = h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_ok",
		Actor:       human(),
	})
	require.NoError(t, err)
	assert.True(t, res.SurfaceDone)

	require.NoError(t, VerifyChain(ctx, h.log, l.LoopID))
}

// recordingMetrics counts instrumentation calls for assertions.
type recordingMetrics struct {
	mu         sync.Mutex
	iterations int
	oracleRuns int
	verdicts   []string
	triggers   []string
	admitted   []bool
}

func (m *recordingMetrics) RecordIteration(_ context.Context, _ string, _ time.Duration, admitted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
	m.admitted = append(m.admitted, admitted)
}

func (m *recordingMetrics) RecordOracleRun(_ context.Context, _, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oracleRuns++
}

func (m *recordingMetrics) RecordVerdict(_ context.Context, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, status)
}

func (m *recordingMetrics) RecordTrigger(_ context.Context, _, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, trigger)
}

func TestIterationPathEmitsMetrics(t *testing.T) {
	rec := &recordingMetrics{}
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{Metrics: rec})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	_, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_metrics",
		Actor:       human(),
	})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.iterations)
	assert.Equal(t, 1, rec.oracleRuns)
	assert.Equal(t, []string{string(gate.Admit)}, rec.verdicts)
	assert.Equal(t, []bool{true}, rec.admitted)
	assert.Empty(t, rec.triggers)
}

func TestLoopTracksLastCommittedEvent(t *testing.T) {
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{})
	ctx := context.Background()

	l := h.createActiveLoop(t, budget.DefaultBudget())
	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.LastEventID)
	// Create plus activate leave exactly two committed events.
	assert.Equal(t, uint64(2), snap.LastEventSeq)

	_, err = h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_cursor",
		Actor:       human(),
	})
	require.NoError(t, err)

	snap, err = h.engine.Get(l.LoopID)
	require.NoError(t, err)
	last, err := h.log.LastSequence(ctx, l.LoopID)
	require.NoError(t, err)
	assert.Equal(t, last, snap.LastEventSeq, "cursor tracks the log head")

	events, err := h.log.Range(ctx, l.LoopID, last, last)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, events[0].EventID, snap.LastEventID)
	assert.Equal(t, EventTypeIterationCompleted, events[0].EventType)
}

func TestBudgetPreemptionEmitsTriggerMetric(t *testing.T) {
	rec := &recordingMetrics{}
	b := budget.Budget{MaxIterations: 1, MaxOracleRuns: 10, MaxWallclock: time.Hour}
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{Metrics: rec})
	l := h.createActiveLoop(t, b)
	ctx := context.Background()

	_, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID: l.LoopID, CandidateID: "cand_1", Actor: human(),
	})
	require.NoError(t, err)
	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID: l.LoopID, CandidateID: "cand_2", Actor: human(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Preempted)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{string(budget.TriggerIterationBudget)}, rec.triggers)
}

func TestRepeatedFailuresExhaustOracleBudgetAndPause(t *testing.T) {
	b := budget.Budget{MaxIterations: 10, MaxOracleRuns: 2, MaxWallclock: time.Hour}
	h := newHarness(t, evaluatorScript("FAIL", "0"), EngineConfig{})
	l := h.createActiveLoop(t, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.engine.RunIteration(ctx, IterationRequest{
			LoopID:      l.LoopID,
			CandidateID: "cand_bad",
			Actor:       human(),
		})
		require.NoError(t, err)
		assert.False(t, res.Advanced)
		require.Len(t, res.Verdicts, 1)
		assert.Equal(t, gate.Deny, res.Verdicts[0].Status)
	}

	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_bad",
		Actor:       human(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Preempted)
	assert.Equal(t, budget.TriggerOracleRunBudget, res.Preempted.Trigger)
	assert.Equal(t, StatePaused, res.LoopState)

	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)
	require.Len(t, snap.FiredTriggers, 1)

	// Resume is blocked while the trigger stands.
	_, err = h.engine.Resume(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrResumeBlocked)
}

func TestCrashedEvaluatorStoresErrorPacketAndDenies(t *testing.T) {
	h := newHarness(t, "#!/bin/sh\nexit 137\n", EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_crash",
		Actor:       human(),
	})
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	require.Len(t, res.Verdicts, 1)
	assert.Equal(t, gate.Deny, res.Verdicts[0].Status)

	// The ERROR packet exists in the store at the recorded address.
	packet, err := h.store.Get(ctx, res.EvidenceAddr)
	require.NoError(t, err)
	assert.Equal(t, contracts.PacketError, packet.Status)
	assert.Equal(t, 137, packet.ExitCode)

	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	assert.Equal(t, surface.StageFailed, snap.WorkSurface.StageRecordFor("stage.build").Status)
}

func TestReliefValveAdmitsWithExceptionAndRecordsIt(t *testing.T) {
	h := newHarness(t, evaluatorScript("FAIL", "0"), EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	rec := &contracts.OverrideRecord{
		Schema:      contracts.OverrideRecordSchema,
		OverrideID:  "ovr_d",
		GateID:      "gate.decision",
		StageID:     "stage.build",
		LoopID:      l.LoopID,
		ActorID:     "operator-1",
		ActorKind:   string(identity.ActorHuman),
		Rationale:   "accepting the known regression per incident review",
		ExercisedAt: time.Now().UTC(),
	}
	addr, err := rec.ContentAddress()
	require.NoError(t, err)

	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID:      l.LoopID,
		CandidateID: "cand_override",
		Actor:       human(),
		Override: &gate.OverrideInput{
			Record:    rec,
			RecordRef: refs.New(refs.TypeOverride, addr.String(), refs.RelOverriddenBy),
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Advanced, "ADMIT_WITH_EXCEPTION lets the stage through")
	require.Len(t, res.Verdicts, 1)
	assert.Equal(t, gate.AdmitWithException, res.Verdicts[0].Status)
	assert.Equal(t, "ovr_d", res.Verdicts[0].OverrideID)

	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	require.Len(t, snap.Exceptions, 1)
	assert.Equal(t, "ovr_d", snap.Exceptions[0].OverrideID)
	assert.True(t, snap.Exceptions[0].Open())
}

func TestBlockingExceptionStopsNextIteration(t *testing.T) {
	h := newHarness(t, evaluatorScript("FAIL", "0"), EngineConfig{BlockingExceptions: true})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	rec := &contracts.OverrideRecord{
		Schema: contracts.OverrideRecordSchema, OverrideID: "ovr_block", GateID: "gate.decision",
		StageID: "stage.build", LoopID: l.LoopID, ActorID: "operator-1",
		ActorKind: string(identity.ActorHuman), Rationale: "temporary waiver",
	}
	addr, err := rec.ContentAddress()
	require.NoError(t, err)

	_, err = h.engine.RunIteration(ctx, IterationRequest{
		LoopID: l.LoopID, CandidateID: "cand_1", Actor: human(),
		Override: &gate.OverrideInput{Record: rec, RecordRef: refs.New(refs.TypeOverride, addr.String(), refs.RelOverriddenBy)},
	})
	require.NoError(t, err)

	res, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID: l.LoopID, CandidateID: "cand_2", Actor: human(),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Preempted)
	assert.Equal(t, budget.TriggerBlockingException, res.Preempted.Trigger)
	assert.Equal(t, StatePaused, res.LoopState)

	// Resolving the exception unblocks resume.
	snap, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	require.NoError(t, h.engine.ResolveException(ctx, l.LoopID, snap.Exceptions[0].ExceptionID, human()))
	_, err = h.engine.Resume(ctx, l.LoopID, human())
	require.NoError(t, err)
}

func TestActivateRequiresDirectiveBinding(t *testing.T) {
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{})
	ctx := context.Background()

	l, err := h.engine.Create(ctx, CreateParams{
		Goal:         "directive-less loop",
		Budget:       budget.DefaultBudget(),
		Template:     h.tmpl,
		IntakeRef:    refs.New(refs.TypeIntake, "intake_3", refs.RelAbout),
		SuiteBinding: surface.SuiteBinding{SuiteID: "suite.loop"},
		ActorID:      "operator-1",
	})
	require.NoError(t, err)

	_, err = h.engine.Activate(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrPreconditionUnmet)

	got, err := h.engine.Get(l.LoopID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State, "failed activation leaves no state mutation")
}

func TestLifecycleActionsAreIdempotentSafe(t *testing.T) {
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	_, err := h.engine.Activate(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrInvalidTransition, "second activate does not double-apply")

	_, err = h.engine.Pause(ctx, l.LoopID, human())
	require.NoError(t, err)
	_, err = h.engine.Pause(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.Close(ctx, l.LoopID, human())
	require.NoError(t, err)
	_, err = h.engine.Close(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.engine.Resume(ctx, l.LoopID, human())
	assert.ErrorIs(t, err, ErrInvalidTransition, "CLOSED is terminal")
}

func TestIterationsAreSerializedPerLoop(t *testing.T) {
	slow := `#!/bin/sh
sleep 2
` + evaluatorScript("PASS", "0")[len("#!/bin/sh\n"):]
	h := newHarness(t, slow, EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.RunIteration(ctx, IterationRequest{
			LoopID: l.LoopID, CandidateID: "cand_slow", Actor: human(),
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return h.engine.HasInFlight(l.LoopID) },
		3*time.Second, 10*time.Millisecond)

	_, err := h.engine.RunIteration(ctx, IterationRequest{
		LoopID: l.LoopID, CandidateID: "cand_second", Actor: human(),
	})
	assert.ErrorIs(t, err, ErrIterationInFlight)

	require.NoError(t, <-done)
}

func TestPauseDuringInFlightIterationIsQueued(t *testing.T) {
	slow := `#!/bin/sh
sleep 2
` + evaluatorScript("PASS", "0")[len("#!/bin/sh\n"):]
	h := newHarness(t, slow, EngineConfig{})
	l := h.createActiveLoop(t, budget.DefaultBudget())
	ctx := context.Background()

	done := make(chan *IterationResult, 1)
	go func() {
		res, err := h.engine.RunIteration(ctx, IterationRequest{
			LoopID: l.LoopID, CandidateID: "cand_slow", Actor: human(),
		})
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return h.engine.HasInFlight(l.LoopID) },
		3*time.Second, 10*time.Millisecond)

	snap, err := h.engine.Pause(ctx, l.LoopID, human())
	require.NoError(t, err)
	assert.Equal(t, StateActive, snap.State, "pause is queued, not applied mid-run")

	res := <-done
	assert.Equal(t, StatePaused, res.LoopState, "queued pause applied after the run completed")
	assert.True(t, res.Advanced, "the in-flight run finished normally")
}

func TestIterationRejectedUnlessActive(t *testing.T) {
	h := newHarness(t, evaluatorScript("PASS", "0"), EngineConfig{})
	ctx := context.Background()
	l, err := h.engine.Create(ctx, CreateParams{
		Goal:         "g",
		Budget:       budget.DefaultBudget(),
		Template:     h.tmpl,
		IntakeRef:    refs.New(refs.TypeIntake, "intake_2", refs.RelAbout),
		SuiteBinding: surface.SuiteBinding{SuiteID: "suite.loop"},
	})
	require.NoError(t, err)

	_, err = h.engine.RunIteration(ctx, IterationRequest{LoopID: l.LoopID, CandidateID: "c"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.RunIteration(ctx, IterationRequest{LoopID: "loop_ghost", CandidateID: "c"})
	assert.ErrorIs(t, err, ErrLoopNotFound)
}
