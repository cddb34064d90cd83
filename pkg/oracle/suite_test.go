package oracle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const suiteYAML = `
suite_id: suite.core
version: 1.2.0
description: core checks
evaluator:
  kind: process
  command: ["/bin/sh", "run.sh"]
constraints:
  network_disabled: true
  seed: 42
  timebox_secs: 120
declared_reports:
  - name: eval_summary.json
    schema_id: loopgate.eval_summary.v1
  - name: residual.json
    schema_id: loopgate.residual.v1
  - name: coverage.json
    schema_id: loopgate.coverage.v1
  - name: violations.json
    schema_id: loopgate.violations.v1
`

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(suiteYAML), 0o644))

	d, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "suite.core", d.SuiteID)
	assert.Equal(t, EvaluatorProcess, d.Evaluator.Kind)
	assert.True(t, d.Constraints.NetworkDisabled)
	assert.Len(t, d.DeclaredReports, 4)

	h, err := d.SuiteHash()
	require.NoError(t, err)
	assert.True(t, h.Valid())
}

func TestSuiteValidateRejects(t *testing.T) {
	base := func() *SuiteDefinition {
		return &SuiteDefinition{
			SuiteID:         "suite.x",
			Version:         "1.0.0",
			Evaluator:       Evaluator{Kind: EvaluatorProcess, Command: []string{"true"}},
			Constraints:     EnvironmentConstraints{TimeboxSecs: 10},
			DeclaredReports: DefaultReports(),
		}
	}

	d := base()
	require.NoError(t, d.Validate())

	d = base()
	d.Version = "not-semver"
	assert.ErrorContains(t, d.Validate(), "bad version")

	d = base()
	d.Evaluator.Command = nil
	assert.ErrorContains(t, d.Validate(), "needs a command")

	d = base()
	d.Evaluator = Evaluator{Kind: EvaluatorWasm, ModuleHash: "nope"}
	assert.ErrorContains(t, d.Validate(), "module hash")

	d = base()
	d.DeclaredReports = []ReportSpec{{Name: "x.json", SchemaID: "loopgate.bogus.v1"}}
	assert.ErrorContains(t, d.Validate(), "unknown schema")

	d = base()
	d.Constraints.TimeboxSecs = 0
	assert.ErrorContains(t, d.Validate(), "timebox")
}

func TestRegistrySemverLookup(t *testing.T) {
	reg := NewRegistry()
	for _, v := range []string{"1.0.0", "1.4.0", "2.0.0"} {
		d := &SuiteDefinition{
			SuiteID:         "suite.core",
			Version:         v,
			Evaluator:       Evaluator{Kind: EvaluatorProcess, Command: []string{"true"}},
			Constraints:     EnvironmentConstraints{TimeboxSecs: 10},
			DeclaredReports: DefaultReports(),
		}
		require.NoError(t, reg.Register(d))
	}

	d, err := reg.Lookup("suite.core", ">=1.0.0 <2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", d.Version, "highest matching version wins")

	d, err = reg.Lookup("suite.core", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)

	_, err = reg.Lookup("suite.core", ">=3.0.0")
	assert.Error(t, err)

	_, err = reg.Lookup("suite.ghost", "")
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateVersion(t *testing.T) {
	reg := NewRegistry()
	d := &SuiteDefinition{
		SuiteID:         "suite.core",
		Version:         "1.0.0",
		Evaluator:       Evaluator{Kind: EvaluatorProcess, Command: []string{"true"}},
		Constraints:     EnvironmentConstraints{TimeboxSecs: 10},
		DeclaredReports: DefaultReports(),
	}
	require.NoError(t, reg.Register(d))
	assert.ErrorContains(t, reg.Register(d), "already registered")
}
