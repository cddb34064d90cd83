package oracle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopgate/core/pkg/canonicalize"
	"github.com/loopgate/core/pkg/contracts"
)

func writeModule(t *testing.T, dir string, content []byte) string {
	t.Helper()
	digest := canonicalize.HashBytes(content)
	require.NoError(t, os.WriteFile(filepath.Join(dir, digest+".wasm"), content, 0o644))
	return "sha256:" + digest
}

func TestFileModuleSourceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := []byte("\x00asm\x01\x00\x00\x00")
	hash := writeModule(t, dir, content)

	source := NewFileModuleSource(dir)
	got, err := source.Module(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFileModuleSourceRejectsTamperedModule(t *testing.T) {
	dir := t.TempDir()
	content := []byte("\x00asm\x01\x00\x00\x00")
	hash := writeModule(t, dir, content)

	// Overwrite the file in place; the name still claims the old digest.
	digest := strings.TrimPrefix(hash, "sha256:")
	require.NoError(t, os.WriteFile(filepath.Join(dir, digest+".wasm"), []byte("swapped"), 0o644))

	source := NewFileModuleSource(dir)
	_, err := source.Module(context.Background(), hash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content mismatch")
}

func TestFileModuleSourceMissingModule(t *testing.T) {
	source := NewFileModuleSource(t.TempDir())
	_, err := source.Module(context.Background(), "sha256:"+strings.Repeat("a", 64))
	require.Error(t, err)
}

func TestWasmBackendReportsCompileFault(t *testing.T) {
	dir := t.TempDir()
	hash := writeModule(t, dir, []byte("not a wasm module"))

	backend := NewWasmBackend(NewFileModuleSource(dir), WasmConfig{MemoryLimitBytes: 16 << 20})
	suite := &SuiteDefinition{
		SuiteID: "suite.wasm",
		Version: "1.0.0",
		Evaluator: Evaluator{
			Kind:       EvaluatorWasm,
			ModuleHash: hash,
		},
		Constraints:     EnvironmentConstraints{NetworkDisabled: true, Seed: 7, TimeboxSecs: 10},
		DeclaredReports: DefaultReports(),
	}

	code, err := backend.Execute(context.Background(), suite, t.TempDir(), nil)
	require.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestRunnerSynthesizesErrorPacketForWasmFault(t *testing.T) {
	dir := t.TempDir()
	hash := writeModule(t, dir, []byte("not a wasm module"))

	backend := NewWasmBackend(NewFileModuleSource(dir), WasmConfig{MemoryLimitBytes: 16 << 20})
	runner := NewRunner(map[EvaluatorKind]Backend{EvaluatorWasm: backend}, 1, nil)

	suite := &SuiteDefinition{
		SuiteID: "suite.wasm",
		Version: "1.0.0",
		Evaluator: Evaluator{
			Kind:       EvaluatorWasm,
			ModuleHash: hash,
		},
		Constraints:     EnvironmentConstraints{NetworkDisabled: true, Seed: 7, TimeboxSecs: 10},
		DeclaredReports: DefaultReports(),
	}

	packet, err := runner.Run(context.Background(), RunRequest{
		CandidateID: "cand_wasm",
		Suite:       suite,
		StageID:     "stage.wasm",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PacketError, packet.Status)
	assert.Contains(t, packet.Summary, "evaluator failed")
}
