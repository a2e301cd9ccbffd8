package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/gatekeeper/pkg/artifacts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
)

// SandboxLimits bound a module run.
type SandboxLimits struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// WASIExecutor runs step modules fetched from the artifact store.
//
// Modules get no filesystem, network, environment, clock or randomness. The
// request is written to stdin as JSON; stdout is the step output and is
// registered as an artifact. If stdout is a JSON object with a "confidence"
// member it is reported as the step's confidence.
type WASIExecutor struct {
	runtime wazero.Runtime
	store   artifacts.Store
	limits  SandboxLimits
}

// NewWASIExecutor creates the shared runtime.
func NewWASIExecutor(ctx context.Context, store artifacts.Store, limits SandboxLimits) (*WASIExecutor, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: instantiate host module: %w", err)
	}
	return &WASIExecutor{runtime: r, store: store, limits: limits}, nil
}

func (w *WASIExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if w.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.Timeout)
		defer cancel()
	}

	wasm, err := w.store.Get(ctx, req.Step.ModuleHash)
	if err != nil {
		return Result{}, fmt.Errorf("wasi: load module for step %s: %w", req.Step.ID, err)
	}
	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("wasi: encode input: %w", err)
	}

	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return Result{}, fmt.Errorf("wasi: compilation failed: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("wasi: step %s timed out after %v", req.Step.ID, w.limits.Timeout)
		}
		return Result{}, fmt.Errorf("wasi: step %s failed: %w", req.Step.ID, err)
	}
	_ = mod.Close(ctx)

	if stderr.Len() > 0 {
		return Result{}, fmt.Errorf("wasi: step %s wrote to stderr: %s", req.Step.ID, stderr.String())
	}

	res := Result{}
	if stdout.Len() == 0 {
		return res, nil
	}
	out := stdout.Bytes()
	if json.Valid(out) {
		res.Output = json.RawMessage(out)
		var probe struct {
			Confidence *confidence.Snapshot `json:"confidence"`
		}
		if err := json.Unmarshal(out, &probe); err == nil {
			res.Confidence = probe.Confidence
		}
	}
	ref, err := artifacts.Register(ctx, w.store, "wasm-output", req.ExecutionID+"/"+req.Step.ID+"/stdout", "application/octet-stream", out)
	if err != nil {
		return Result{}, err
	}
	res.Artifacts = append(res.Artifacts, ref)
	return res, nil
}

// Close shuts down the runtime.
func (w *WASIExecutor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
