package contracts

import "time"

// Report schema identifiers. Every oracle suite must emit exactly these four
// report files; a suite that does not honor its own output contract is
// untrustworthy and its run is reclassified as ERROR.
const (
	EvalSummarySchema = "loopgate.eval_summary.v1"
	ResidualSchema    = "loopgate.residual.v1"
	CoverageSchema    = "loopgate.coverage.v1"
	ViolationsSchema  = "loopgate.violations.v1"
)

// Default report file names within a run's output directory.
const (
	EvalSummaryFile = "eval_summary.json"
	ResidualFile    = "residual.json"
	CoverageFile    = "coverage.json"
	ViolationsFile  = "violations.json"
)

// EvalSummaryReport is the primary report of an oracle run. Completion code 0
// from the evaluator means it ran to completion; the Decision says how it went.
type EvalSummaryReport struct {
	Schema      string        `json:"schema"`
	OracleID    string        `json:"oracle_id"`
	SuiteID     string        `json:"suite_id"`
	CandidateID string        `json:"candidate_id"`
	StageID     string        `json:"stage_id"`
	Decision    *EvalDecision `json:"decision,omitempty"`
	Summary     string        `json:"summary"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// ResidualVector measures distance from the ideal per evaluation axis.
type ResidualVector struct {
	PerAxis       map[string]float64 `json:"per_axis"`
	CompositeNorm float64            `json:"composite_norm"`
	NormMethod    string             `json:"norm_method"`
}

// ResidualReport carries residual measurements for a run.
type ResidualReport struct {
	Schema      string         `json:"schema"`
	SuiteID     string         `json:"suite_id"`
	CandidateID string         `json:"candidate_id"`
	StageID     string         `json:"stage_id"`
	Residual    ResidualVector `json:"residual"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// CoverageMetrics measures per-axis coverage in [0,1].
type CoverageMetrics struct {
	PerAxis        map[string]float64 `json:"per_axis"`
	Composite      float64            `json:"composite"`
	BelowThreshold []string           `json:"below_threshold,omitempty"`
}

// CoverageReport carries coverage measurements for a run.
type CoverageReport struct {
	Schema      string          `json:"schema"`
	SuiteID     string          `json:"suite_id"`
	CandidateID string          `json:"candidate_id"`
	StageID     string          `json:"stage_id"`
	Coverage    CoverageMetrics `json:"coverage"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// ViolationSeverity classifies a constraint violation.
type ViolationSeverity string

const (
	SeverityError   ViolationSeverity = "error"
	SeverityWarning ViolationSeverity = "warning"
	SeverityInfo    ViolationSeverity = "info"
)

// ConstraintViolation is one violated constraint found during evaluation.
type ConstraintViolation struct {
	Code         string                 `json:"code"`
	ConstraintID string                 `json:"constraint_id"`
	Axis         string                 `json:"axis,omitempty"`
	Message      string                 `json:"message"`
	Severity     ViolationSeverity      `json:"severity"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// ViolationSummary is the aggregate count of violations by severity.
type ViolationSummary struct {
	ErrorCount   int `json:"error_count"`
	WarningCount int `json:"warning_count"`
	InfoCount    int `json:"info_count"`
	TotalCount   int `json:"total_count"`
}

// ViolationsReport lists the constraint violations found during a run.
type ViolationsReport struct {
	Schema      string                `json:"schema"`
	SuiteID     string                `json:"suite_id"`
	CandidateID string                `json:"candidate_id"`
	StageID     string                `json:"stage_id"`
	Violations  []ConstraintViolation `json:"violations"`
	Summary     ViolationSummary      `json:"summary"`
	ComputedAt  time.Time             `json:"computed_at"`
}

// Summarize recomputes the severity counts from the violation list.
func (r *ViolationsReport) Summarize() {
	s := ViolationSummary{}
	for _, v := range r.Violations {
		switch v.Severity {
		case SeverityError:
			s.ErrorCount++
		case SeverityWarning:
			s.WarningCount++
		case SeverityInfo:
			s.InfoCount++
		}
	}
	s.TotalCount = len(r.Violations)
	r.Summary = s
}
