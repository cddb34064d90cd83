package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/loopgate/core/pkg/canonicalize"
)

// ModuleSource resolves a wasm module's bytes from its content hash.
type ModuleSource interface {
	Module(ctx context.Context, moduleHash string) ([]byte, error)
}

// FileModuleSource resolves modules from a directory holding one
// <hex-digest>.wasm file per module. Loaded bytes are rehashed against the
// requested hash, so a swapped file fails the load instead of running.
type FileModuleSource struct {
	dir string
}

// NewFileModuleSource builds a source over dir.
func NewFileModuleSource(dir string) *FileModuleSource {
	return &FileModuleSource{dir: dir}
}

func (s *FileModuleSource) Module(_ context.Context, moduleHash string) ([]byte, error) {
	digest := strings.TrimPrefix(moduleHash, "sha256:")
	path := filepath.Join(s.dir, digest+".wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oracle: read wasm module %s: %w", moduleHash, err)
	}
	if got := canonicalize.HashBytes(data); got != digest {
		return nil, fmt.Errorf("oracle: wasm module %s content mismatch: file hashes to sha256:%s", moduleHash, got)
	}
	return data, nil
}

// WasmBackend runs wasm evaluators under WASI. The module sees only the
// scratch dir, preopened at /out; there is no network and no other
// filesystem access.
type WasmBackend struct {
	source        ModuleSource
	memLimitPages uint32
}

// WasmConfig configures the WASI backend.
type WasmConfig struct {
	MemoryLimitBytes int64
}

// NewWasmBackend builds a WASI backend reading modules from source.
func NewWasmBackend(source ModuleSource, cfg WasmConfig) *WasmBackend {
	pages := uint32(0)
	if cfg.MemoryLimitBytes > 0 {
		pages = uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
	}
	return &WasmBackend{source: source, memLimitPages: pages}
}

func (b *WasmBackend) Execute(ctx context.Context, suite *SuiteDefinition, outDir string, env []string) (int, error) {
	wasmBytes, err := b.source.Module(ctx, suite.Evaluator.ModuleHash)
	if err != nil {
		return -1, fmt.Errorf("oracle: load wasm module %s: %w", suite.Evaluator.ModuleHash, err)
	}

	rCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if b.memLimitPages > 0 {
		rCfg = rCfg.WithMemoryLimitPages(b.memLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rCfg)
	defer func() { _ = rt.Close(ctx) }()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return -1, fmt.Errorf("oracle: instantiate wasi: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(outDir, "/out")).
		WithName("evaluator")
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			modCfg = modCfg.WithEnv(k, v)
		}
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return -1, fmt.Errorf("oracle: compile wasm module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		// A wasm exit status surfaces as sys.ExitError; anything else is an
		// execution fault.
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}
		return -1, fmt.Errorf("oracle: wasm execution failed: %w", err)
	}
	return 0, nil
}
