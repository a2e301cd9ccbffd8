package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/artifacts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/firewall"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
)

// emptyModule is the smallest valid wasm binary: magic and version only.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func TestToolExecutor_DispatchesThroughFirewall(t *testing.T) {
	fw := firewall.New(ssrf.Policy{AllowedHosts: []string{"api.example.com"}}, firewall.DispatcherFunc(
		func(_ context.Context, tool string, params map[string]any) (any, error) {
			switch tool {
			case "http.get":
				return map[string]any{"status": 200}, nil
			case "score":
				return Result{Confidence: &confidence.Snapshot{Score: 77, Band: confidence.BandMedium, Action: confidence.ActionAutoRun}}, nil
			}
			return nil, nil
		}))
	require.NoError(t, fw.AllowTool(firewall.ToolSpec{Name: "http.get"}))
	require.NoError(t, fw.AllowTool(firewall.ToolSpec{Name: "score"}))
	require.NoError(t, fw.AllowTool(firewall.ToolSpec{Name: "noop"}))

	ex := NewToolExecutor(fw)
	ctx := context.Background()

	res, err := ex.Execute(ctx, Request{Step: approval.Step{ID: "s1", Tool: "http.get", Params: map[string]any{"url": "https://api.example.com/x"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200}`, string(res.Output))

	res, err = ex.Execute(ctx, Request{Step: approval.Step{ID: "s2", Tool: "score"}})
	require.NoError(t, err)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 77, res.Confidence.Score)

	res, err = ex.Execute(ctx, Request{Step: approval.Step{ID: "s3", Tool: "noop"}})
	require.NoError(t, err)
	assert.Empty(t, res.Output)

	_, err = ex.Execute(ctx, Request{Step: approval.Step{ID: "s4", Tool: "http.get", Params: map[string]any{"url": "https://10.0.0.1/"}}})
	assert.ErrorIs(t, err, fault.ErrGuardBlocked)
}

func TestRouter(t *testing.T) {
	called := ""
	tools := Func(func(context.Context, Request) (Result, error) { called = "tools"; return Result{}, nil })
	modules := Func(func(context.Context, Request) (Result, error) { called = "modules"; return Result{}, nil })
	ctx := context.Background()

	r := Router{Tools: tools, Modules: modules}
	_, err := r.Execute(ctx, Request{Step: approval.Step{ID: "a", Tool: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "tools", called)

	_, err = r.Execute(ctx, Request{Step: approval.Step{ID: "b", ModuleHash: "sha256:00"}})
	require.NoError(t, err)
	assert.Equal(t, "modules", called)

	_, err = Router{Tools: tools}.Execute(ctx, Request{Step: approval.Step{ID: "c", ModuleHash: "sha256:00"}})
	assert.Error(t, err)
	_, err = Router{}.Execute(ctx, Request{Step: approval.Step{ID: "d"}})
	assert.Error(t, err)
}

func newWASI(t *testing.T) (*WASIExecutor, artifacts.Store) {
	t.Helper()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	w, err := NewWASIExecutor(context.Background(), store, SandboxLimits{MemoryLimitBytes: 1 << 20, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, store
}

func TestWASIExecutor_EmptyModule(t *testing.T) {
	w, store := newWASI(t)
	ctx := context.Background()

	digest, err := store.Put(ctx, emptyModule)
	require.NoError(t, err)

	res, err := w.Execute(ctx, Request{ExecutionID: "exec-1", Step: approval.Step{ID: "s1", ModuleHash: digest}})
	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.Empty(t, res.Artifacts)

	// The runtime is reusable.
	_, err = w.Execute(ctx, Request{ExecutionID: "exec-1", Step: approval.Step{ID: "s2", ModuleHash: digest}})
	require.NoError(t, err)
}

func TestWASIExecutor_Failures(t *testing.T) {
	w, store := newWASI(t)
	ctx := context.Background()

	garbage, err := store.Put(ctx, []byte("definitely not wasm"))
	require.NoError(t, err)
	_, err = w.Execute(ctx, Request{Step: approval.Step{ID: "bad", ModuleHash: garbage}})
	assert.ErrorContains(t, err, "compilation failed")

	missing := "sha256:" + "11111111111111111111111111111111111111111111111111111111111111aa"
	_, err = w.Execute(ctx, Request{Step: approval.Step{ID: "missing", ModuleHash: missing}})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
