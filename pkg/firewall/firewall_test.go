package firewall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
)

type recordingDispatcher struct {
	calls []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, tool string, params map[string]any) (any, error) {
	d.calls = append(d.calls, tool)
	return map[string]any{"tool": tool, "params": params}, nil
}

func newFirewall(t *testing.T) (*Firewall, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	fw := New(ssrf.Policy{AllowedHosts: []string{"*.example.com"}}, d)
	require.NoError(t, fw.AllowTool(ToolSpec{
		Name: "http.get",
		Schema: `{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"timeout_ms": {"type": "integer"}
			},
			"required": ["url"]
		}`,
	}))
	require.NoError(t, fw.AllowTool(ToolSpec{Name: "notify", URLParams: []string{"target"}}))
	return fw, d
}

func TestFirewall_BlocksUnknownTool(t *testing.T) {
	fw, d := newFirewall(t)
	_, err := fw.Call(context.Background(), "shell.exec", nil)
	assert.ErrorIs(t, err, fault.ErrPolicyDenied)
	assert.Empty(t, d.calls)
}

func TestFirewall_AllowsValidCall(t *testing.T) {
	fw, d := newFirewall(t)
	res, err := fw.Call(context.Background(), "http.get", map[string]any{
		"url":        "https://api.example.com/items",
		"timeout_ms": 500,
	})
	require.NoError(t, err)
	out, ok := res.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http.get", out["tool"])
	assert.Equal(t, []string{"http.get"}, d.calls)
}

func TestFirewall_SchemaViolation(t *testing.T) {
	fw, d := newFirewall(t)
	_, err := fw.Call(context.Background(), "http.get", map[string]any{"timeout_ms": 5})
	assert.ErrorIs(t, err, fault.ErrPolicyDenied)

	_, err = fw.Call(context.Background(), "http.get", nil)
	assert.ErrorIs(t, err, fault.ErrPolicyDenied)
	assert.Empty(t, d.calls)
}

func TestFirewall_GuardsDestinations(t *testing.T) {
	fw, d := newFirewall(t)
	ctx := context.Background()

	_, err := fw.Call(ctx, "http.get", map[string]any{"url": "https://169.254.169.254/latest"})
	var ge *ssrf.GuardError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ssrf.CodeBlocked, ge.Code)

	_, err = fw.Call(ctx, "notify", map[string]any{"target": "https://evil.test/hook"})
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ssrf.CodeHostNotAllowed, ge.Code)

	_, err = fw.Call(ctx, "notify", map[string]any{"callback_url": "http://hooks.example.com/"})
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ssrf.CodeSchemeNotAllowed, ge.Code)

	_, err = fw.Call(ctx, "notify", map[string]any{"target": 42})
	assert.ErrorIs(t, err, fault.ErrPolicyDenied)

	assert.Empty(t, d.calls)

	_, err = fw.Call(ctx, "notify", map[string]any{"target": "https://hooks.example.com/x", "body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"notify"}, d.calls)
}

func TestFirewall_NilDispatcherFailsClosed(t *testing.T) {
	fw := New(ssrf.Policy{AllowUnlistedHosts: true}, nil)
	require.NoError(t, fw.AllowTool(ToolSpec{Name: "noop"}))
	_, err := fw.Call(context.Background(), "noop", nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"noop"}, fw.Tools())
}

func TestFirewall_BadSchema(t *testing.T) {
	fw := New(ssrf.Policy{}, nil)
	assert.Error(t, fw.AllowTool(ToolSpec{Name: "bad", Schema: `{"type": 12}`}))
}
