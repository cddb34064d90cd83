package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

// ErrDeterminismViolation means two runs of the same (suite, candidate,
// seed) produced different evaluation results.
var ErrDeterminismViolation = errors.New("oracle: determinism violation")

// RunRequest asks for one evaluation of a candidate under a suite.
type RunRequest struct {
	CandidateID   string
	CandidatePath string // checkout or artifact dir handed to the evaluator
	Suite         *SuiteDefinition
	StageID       string
}

// Backend executes a suite's evaluator inside a sandbox. outDir is the
// scratch directory the evaluator must write its reports into; env is the
// complete environment, nothing from the host leaks in.
type Backend interface {
	Execute(ctx context.Context, suite *SuiteDefinition, outDir string, env []string) (exitCode int, err error)
}

// Runner turns sandbox executions into evidence packets. Concurrency is
// bounded by a weighted semaphore; a saturated pool queues callers in
// arrival order.
type Runner struct {
	backends map[EvaluatorKind]Backend
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewRunner builds a runner with the given backends and concurrency bound.
func NewRunner(backends map[EvaluatorKind]Backend, maxConcurrent int64, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		backends: backends,
		sem:      semaphore.NewWeighted(maxConcurrent),
		logger:   logger,
	}
}

// Run executes one evaluation and always returns a packet when the sandbox
// was reachable: an evaluator crash, timeout, or report contract violation
// yields an ERROR packet, never a missing one. The returned error is
// reserved for infrastructure faults before execution starts.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*contracts.EvidencePacket, error) {
	if req.Suite == nil {
		return nil, fmt.Errorf("oracle: run request has no suite")
	}
	if err := req.Suite.Validate(); err != nil {
		return nil, err
	}
	backend, ok := r.backends[req.Suite.Evaluator.Kind]
	if !ok {
		return nil, fmt.Errorf("oracle: no backend for evaluator kind %q", req.Suite.Evaluator.Kind)
	}
	suiteHash, err := req.Suite.SuiteHash()
	if err != nil {
		return nil, err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("oracle: acquire run slot: %w", err)
	}
	defer r.sem.Release(1)

	outDir, err := os.MkdirTemp("", "oracle-run-")
	if err != nil {
		return nil, fmt.Errorf("oracle: scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	env := scrubbedEnv(req, outDir)
	timebox := time.Duration(req.Suite.Constraints.TimeboxSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timebox)
	defer cancel()

	started := time.Now().UTC()
	exitCode, execErr := backend.Execute(runCtx, req.Suite, outDir, env)
	completed := time.Now().UTC()

	packet := &contracts.EvidencePacket{
		Schema:      contracts.EvidencePacketSchema,
		OracleID:    req.Suite.SuiteID,
		CandidateID: req.CandidateID,
		SuiteID:     req.Suite.SuiteID,
		SuiteHash:   suiteHash.String(),
		StageID:     req.StageID,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		ExitCode:    exitCode,
		Artifacts:   []refs.TypedRef{},
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		packet.Status = contracts.PacketError
		packet.Summary = fmt.Sprintf("evaluator exceeded timebox of %ds", req.Suite.Constraints.TimeboxSecs)
	case execErr != nil:
		packet.Status = contracts.PacketError
		packet.Summary = fmt.Sprintf("evaluator failed: %v", execErr)
	case exitCode != 0:
		packet.Status = contracts.PacketError
		packet.Summary = fmt.Sprintf("evaluator exited with code %d", exitCode)
	default:
		r.inspectReports(packet, req.Suite, outDir)
	}

	r.logger.Info("oracle run complete",
		"suite_id", req.Suite.SuiteID,
		"candidate_id", req.CandidateID,
		"stage_id", req.StageID,
		"status", packet.Status,
		"exit_code", exitCode,
		"duration_ms", packet.DurationMs)
	return packet, nil
}

// inspectReports verifies the declared report contract and extracts the
// embedded decision. Any missing or non-conforming report demotes the packet
// to ERROR: a suite that violates its own output contract is untrustworthy.
func (r *Runner) inspectReports(packet *contracts.EvidencePacket, suite *SuiteDefinition, outDir string) {
	details := make(map[string]interface{}, len(suite.DeclaredReports))
	for _, spec := range suite.DeclaredReports {
		raw, err := os.ReadFile(outDir + "/" + spec.Name)
		if err != nil {
			packet.Status = contracts.PacketError
			packet.Summary = fmt.Sprintf("declared report %s missing", spec.Name)
			return
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			packet.Status = contracts.PacketError
			packet.Summary = fmt.Sprintf("declared report %s is not valid JSON: %v", spec.Name, err)
			return
		}
		if err := contracts.ValidateReport(spec.SchemaID, doc); err != nil {
			packet.Status = contracts.PacketError
			packet.Summary = fmt.Sprintf("declared report %s violates its schema: %v", spec.Name, err)
			return
		}
		details[spec.Name] = doc

		if spec.SchemaID == contracts.EvalSummarySchema {
			var summary contracts.EvalSummaryReport
			if err := json.Unmarshal(raw, &summary); err == nil {
				packet.Decision = summary.Decision
				packet.Summary = summary.Summary
			}
		}
	}
	packet.Status = contracts.PacketOK
	packet.Details = details
	if packet.Decision == nil {
		// Ran to completion but the summary carried no decision: the run is
		// not evidence of pass or fail.
		packet.Decision = &contracts.EvalDecision{
			Status:    contracts.DecisionIndeterminate,
			RuleID:    "missing_decision",
			Rationale: "eval summary carried no decision record",
		}
	}
}

// CheckDeterminism runs the request twice and compares evaluation
// fingerprints. A mismatch returns both the first packet and
// ErrDeterminismViolation.
func (r *Runner) CheckDeterminism(ctx context.Context, req RunRequest) (*contracts.EvidencePacket, error) {
	first, err := r.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	second, err := r.Run(ctx, req)
	if err != nil {
		return first, err
	}
	f1, err := first.Fingerprint()
	if err != nil {
		return first, err
	}
	f2, err := second.Fingerprint()
	if err != nil {
		return first, err
	}
	if f1 != f2 {
		return first, fmt.Errorf("%w: suite %s candidate %s", ErrDeterminismViolation, req.Suite.SuiteID, req.CandidateID)
	}
	return first, nil
}

// scrubbedEnv builds the evaluator environment from scratch. The host
// environment never leaks in; only PATH survives so interpreters resolve.
func scrubbedEnv(req RunRequest, outDir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + outDir,
		"ORACLE_SEED=" + strconv.FormatInt(req.Suite.Constraints.Seed, 10),
		"ORACLE_OUTPUT_DIR=" + outDir,
		"ORACLE_STAGE_ID=" + req.StageID,
		"CANDIDATE_ID=" + req.CandidateID,
	}
	if req.CandidatePath != "" {
		env = append(env, "CANDIDATE_PATH="+req.CandidatePath)
	}
	if req.Suite.Constraints.NetworkDisabled {
		// Belt and braces for tools that honor proxy conventions.
		env = append(env, "NO_PROXY=*", "no_proxy=*")
	}
	return env
}

// ProcessBackend runs process evaluators with os/exec.
type ProcessBackend struct{}

func (ProcessBackend) Execute(ctx context.Context, suite *SuiteDefinition, outDir string, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, suite.Evaluator.Command[0], suite.Evaluator.Command[1:]...)
	cmd.Dir = outDir
	cmd.Env = env
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
