package surface

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopgate/core/pkg/refs"
)

const templateYAML = `
template_id: tmpl.default
name: default pipeline
initial_stage_id: stage.build
stages:
  - stage_id: stage.build
    name: Build
    required_suite:
      suite_id: suite.core
      version_constraint: ">=1.0.0 <2.0.0"
    required_gates: [gate.evidence]
    transition_on_pass: stage.review
  - stage_id: stage.review
    name: Review
    required_suite:
      suite_id: suite.core
    required_gates: [gate.evidence, gate.quality]
    transition_on_pass: TERMINAL
`

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(templateYAML))
	require.NoError(t, err)
	assert.Equal(t, "tmpl.default", tmpl.TemplateID)
	assert.Equal(t, "stage.build", tmpl.InitialStageID)
	require.Len(t, tmpl.Stages, 2)
	assert.Equal(t, ">=1.0.0 <2.0.0", tmpl.Stages[0].RequiredSuite.VersionConstraint)
	assert.Equal(t, TerminalTransition, tmpl.Stages[1].TransitionOnPass)
}

func TestTemplateValidateRejectsBadGraphs(t *testing.T) {
	base := func() *Template {
		return &Template{
			TemplateID:     "tmpl.x",
			InitialStageID: "a",
			Stages: []StageTemplate{
				{StageID: "a", RequiredSuite: SuiteBinding{SuiteID: "s"}, TransitionOnPass: "b"},
				{StageID: "b", RequiredSuite: SuiteBinding{SuiteID: "s"}, TransitionOnPass: TerminalTransition},
			},
		}
	}

	tmpl := base()
	require.NoError(t, tmpl.Validate())

	tmpl = base()
	tmpl.Stages[1].StageID = "a"
	assert.ErrorContains(t, tmpl.Validate(), "duplicate stage id")

	tmpl = base()
	tmpl.Stages[0].TransitionOnPass = "ghost"
	assert.ErrorContains(t, tmpl.Validate(), "unknown stage")

	tmpl = base()
	tmpl.InitialStageID = "ghost"
	assert.ErrorContains(t, tmpl.Validate(), "not defined")

	tmpl = base()
	tmpl.Stages[1].TransitionOnPass = "a"
	assert.ErrorContains(t, tmpl.Validate(), "never terminates")
}

func TestTemplateContentHashStable(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(templateYAML))
	require.NoError(t, err)
	h1, err := tmpl.ContentHash()
	require.NoError(t, err)
	h2, err := tmpl.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, h1.Valid())
}

func TestWorkSurfaceAdvance(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(templateYAML))
	require.NoError(t, err)

	intake := refs.New(refs.TypeIntake, "intake_1", refs.RelAbout)
	tmplRef := refs.New(refs.TypeTemplate, tmpl.TemplateID, refs.RelGovernedBy)
	binding := SuiteBinding{SuiteID: "suite.core", VersionConstraint: ">=1.0.0"}

	ws, err := NewWorkSurface("wu_1", intake, tmpl, tmplRef, binding)
	require.NoError(t, err)
	assert.Equal(t, "stage.build", ws.CurrentStageID)
	assert.Equal(t, StagePending, ws.StageRecordFor("stage.build").Status)

	ev := refs.New(refs.TypeEvidenceBundle, "sha256:"+strings.Repeat("b", 64), refs.RelProduces)
	done, err := ws.Advance(tmpl, ev)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "stage.review", ws.CurrentStageID)
	assert.Equal(t, StageCompleted, ws.StageRecordFor("stage.build").Status)
	require.NotNil(t, ws.StageRecordFor("stage.build").EvidenceRef)
	assert.Equal(t, StageInProgress, ws.StageRecordFor("stage.review").Status)

	done, err = ws.Advance(tmpl, ev)
	require.NoError(t, err)
	assert.True(t, done, "second stage is terminal")
}

func TestWorkSurfaceMarkFailed(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(templateYAML))
	require.NoError(t, err)
	ws, err := NewWorkSurface("wu_2",
		refs.New(refs.TypeIntake, "intake_2", refs.RelAbout),
		tmpl,
		refs.New(refs.TypeTemplate, tmpl.TemplateID, refs.RelGovernedBy),
		SuiteBinding{SuiteID: "suite.core"})
	require.NoError(t, err)

	ws.MarkFailed()
	assert.Equal(t, StageFailed, ws.StageRecordFor("stage.build").Status)
	assert.Equal(t, "stage.build", ws.CurrentStageID, "failure does not advance")
}

func TestSuiteBindingMatches(t *testing.T) {
	b := SuiteBinding{SuiteID: "suite.core", VersionConstraint: ">=1.2.0 <2.0.0"}

	ok, err := b.Matches("1.4.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Matches("2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Matches("not-a-version")
	assert.Error(t, err)

	open := SuiteBinding{SuiteID: "suite.core"}
	ok, err = open.Matches("0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
