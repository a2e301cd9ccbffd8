// Package firewall sits between the execution engine and network-capable
// tools. A call reaches its dispatcher only if the tool is allow-listed, its
// parameters satisfy the tool's JSON schema, and every URL parameter passes the
// SSRF guard.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
)

// Dispatcher executes the actual tool logic.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, params map[string]any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, tool string, params map[string]any) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, tool string, params map[string]any) (any, error) {
	return f(ctx, tool, params)
}

// ToolSpec registers one tool.
type ToolSpec struct {
	Name string
	// Schema is a JSON Schema (draft 2020-12) for the params object. Empty
	// means any params.
	Schema string
	// URLParams names parameters that carry destinations. Parameters named
	// "url" or ending in "_url" are always treated as destinations.
	URLParams []string
}

type tool struct {
	schema    *jsonschema.Schema
	urlParams map[string]bool
}

// Firewall enforces the tool allow-list and destination policy.
type Firewall struct {
	mu     sync.RWMutex
	tools  map[string]tool
	policy ssrf.Policy
	next   Dispatcher
	log    *slog.Logger

	onBlock func(ctx context.Context, code string)
}

// New returns a firewall that forwards permitted calls to next.
func New(policy ssrf.Policy, next Dispatcher) *Firewall {
	return &Firewall{
		tools:  make(map[string]tool),
		policy: policy,
		next:   next,
		log:    slog.Default().With("component", "firewall"),
	}
}

// OnBlocked registers fn to be told about every destination the guard
// rejects. Call before the firewall is shared.
func (f *Firewall) OnBlocked(fn func(ctx context.Context, code string)) {
	f.onBlock = fn
}

// AllowTool adds spec to the allow-list, replacing any earlier registration.
func (f *Firewall) AllowTool(spec ToolSpec) error {
	t := tool{urlParams: make(map[string]bool, len(spec.URLParams))}
	for _, p := range spec.URLParams {
		t.urlParams[p] = true
	}
	if spec.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://gatekeeper.schemas.local/tools/%s.schema.json", spec.Name)
		if err := c.AddResource(url, strings.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("firewall schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("firewall schema compile failed: %w", err)
		}
		t.schema = compiled
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[spec.Name] = t
	return nil
}

// Tools lists the allow-listed tool names.
func (f *Firewall) Tools() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.tools))
	for n := range f.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call checks and dispatches one tool call.
func (f *Firewall) Call(ctx context.Context, name string, params map[string]any) (any, error) {
	f.mu.RLock()
	t, ok := f.tools[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q is not allow-listed", fault.ErrPolicyDenied, name)
	}

	if t.schema != nil {
		if params == nil {
			return nil, fmt.Errorf("%w: tool %q: missing parameters", fault.ErrPolicyDenied, name)
		}
		if err := t.schema.Validate(params); err != nil {
			return nil, fmt.Errorf("%w: tool %q: schema validation failed: %v", fault.ErrPolicyDenied, name, err)
		}
	}

	for key, v := range params {
		if !t.urlParams[key] && key != "url" && !strings.HasSuffix(key, "_url") {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: tool %q: parameter %q must be a string URL", fault.ErrPolicyDenied, name, key)
		}
		if err := ssrf.AssertURLSafe(raw, f.policy); err != nil {
			f.log.WarnContext(ctx, "tool destination blocked", "tool", name, "param", key, "error", err)
			if f.onBlock != nil {
				code := string(ssrf.CodeBlocked)
				var ge *ssrf.GuardError
				if errors.As(err, &ge) {
					code = string(ge.Code)
				}
				f.onBlock(ctx, code)
			}
			return nil, err
		}
	}

	if f.next == nil {
		return nil, fmt.Errorf("firewall dispatcher not configured (fail-closed)")
	}
	return f.next.Dispatch(ctx, name, params)
}
