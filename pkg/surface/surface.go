package surface

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/loopgate/core/pkg/refs"
)

// StageStatus tracks progress of a single stage on a bound work surface.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// StageRecord is the mutable per-stage progress on a work surface.
type StageRecord struct {
	StageID     string         `json:"stage_id"`
	Status      StageStatus    `json:"status"`
	EvidenceRef *refs.TypedRef `json:"evidence_ref,omitempty"`
}

// WorkSurface binds a loop to an intake, a template, and an oracle suite.
// Everything except stage progress is immutable once bound.
type WorkSurface struct {
	WorkUnitID     string        `json:"work_unit_id"`
	IntakeRef      refs.TypedRef `json:"intake_ref"`
	TemplateRef    refs.TypedRef `json:"template_ref"`
	SuiteBinding   SuiteBinding  `json:"suite_binding"`
	CurrentStageID string        `json:"current_stage_id"`
	Stages         []StageRecord `json:"stages"`
}

// NewWorkSurface binds an intake to a validated template. The surface starts
// at the template's initial stage with every stage pending.
func NewWorkSurface(workUnitID string, intake refs.TypedRef, tmpl *Template, templateRef refs.TypedRef, binding SuiteBinding) (*WorkSurface, error) {
	if workUnitID == "" {
		return nil, fmt.Errorf("work surface: work_unit_id is required")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("work surface: %w", err)
	}
	if err := binding.Validate(); err != nil {
		return nil, fmt.Errorf("work surface: %w", err)
	}
	stages := make([]StageRecord, len(tmpl.Stages))
	for i, s := range tmpl.Stages {
		stages[i] = StageRecord{StageID: s.StageID, Status: StagePending}
	}
	return &WorkSurface{
		WorkUnitID:     workUnitID,
		IntakeRef:      intake,
		TemplateRef:    templateRef,
		SuiteBinding:   binding,
		CurrentStageID: tmpl.InitialStageID,
		Stages:         stages,
	}, nil
}

// StageRecordFor returns the progress record for a stage id, or nil.
func (w *WorkSurface) StageRecordFor(stageID string) *StageRecord {
	for i := range w.Stages {
		if w.Stages[i].StageID == stageID {
			return &w.Stages[i]
		}
	}
	return nil
}

// Advance marks the current stage completed with its evidence bundle and
// moves to the next stage per the template. Returns true when the surface
// reached the terminal transition.
func (w *WorkSurface) Advance(tmpl *Template, evidence refs.TypedRef) (bool, error) {
	st := tmpl.Stage(w.CurrentStageID)
	if st == nil {
		return false, fmt.Errorf("work surface %s: current stage %q not in template %s",
			w.WorkUnitID, w.CurrentStageID, tmpl.TemplateID)
	}
	rec := w.StageRecordFor(w.CurrentStageID)
	if rec == nil {
		return false, fmt.Errorf("work surface %s: no record for stage %q", w.WorkUnitID, w.CurrentStageID)
	}
	rec.Status = StageCompleted
	rec.EvidenceRef = &evidence
	if st.TransitionOnPass == TerminalTransition {
		return true, nil
	}
	w.CurrentStageID = st.TransitionOnPass
	if next := w.StageRecordFor(w.CurrentStageID); next != nil {
		next.Status = StageInProgress
	}
	return false, nil
}

// MarkFailed records a failed attempt at the current stage. The surface does
// not advance; the loop retries or a stop trigger fires.
func (w *WorkSurface) MarkFailed() {
	if rec := w.StageRecordFor(w.CurrentStageID); rec != nil {
		rec.Status = StageFailed
	}
}

// Validate checks structural completeness of the binding.
func (b SuiteBinding) Validate() error {
	if b.SuiteID == "" {
		return fmt.Errorf("suite binding: suite_id is required")
	}
	if b.VersionConstraint != "" {
		if _, err := semver.NewConstraint(b.VersionConstraint); err != nil {
			return fmt.Errorf("suite binding %s: bad version constraint %q: %w", b.SuiteID, b.VersionConstraint, err)
		}
	}
	return nil
}

// Matches reports whether a registered suite version satisfies the binding's
// version constraint. An empty constraint matches any version.
func (b SuiteBinding) Matches(version string) (bool, error) {
	if b.VersionConstraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(b.VersionConstraint)
	if err != nil {
		return false, fmt.Errorf("suite binding %s: bad version constraint %q: %w", b.SuiteID, b.VersionConstraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("suite binding %s: bad version %q: %w", b.SuiteID, version, err)
	}
	return c.Check(v), nil
}
