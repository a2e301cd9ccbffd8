// Package executor runs individual plan steps on behalf of the execution
// engine. Tool steps go through the network firewall; steps that carry a
// module hash run in a deny-by-default WASI sandbox.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/firewall"
)

// Request is one step attempt. Prestate is the snapshot captured before the
// step's first attempt and is identical on every retry.
type Request struct {
	ExecutionID string          `json:"execution_id"`
	Step        approval.Step   `json:"step"`
	Prestate    json.RawMessage `json:"prestate,omitempty"`
}

// Result of a step.
type Result struct {
	Output    json.RawMessage        `json:"output,omitempty"`
	Artifacts []evidence.ArtifactRef `json:"artifacts,omitempty"`
	// Confidence is the agent's self-reported confidence, if any.
	Confidence *confidence.Snapshot `json:"confidence,omitempty"`
}

// Executor runs a step.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// ToolExecutor dispatches tool steps through a firewall. A dispatcher may
// return a Result to report artifacts or confidence; any other value becomes
// the JSON output.
type ToolExecutor struct {
	fw *firewall.Firewall
}

func NewToolExecutor(fw *firewall.Firewall) *ToolExecutor {
	return &ToolExecutor{fw: fw}
}

func (t *ToolExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	out, err := t.fw.Call(ctx, req.Step.Tool, req.Step.Params)
	if err != nil {
		return Result{}, err
	}
	switch v := out.(type) {
	case Result:
		return v, nil
	case *Result:
		if v == nil {
			return Result{}, nil
		}
		return *v, nil
	case nil:
		return Result{}, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Result{}, fmt.Errorf("executor: encode %s output: %w", req.Step.Tool, err)
		}
		return Result{Output: raw}, nil
	}
}

// Router sends steps with a module hash to Modules and everything else to
// Tools.
type Router struct {
	Tools   Executor
	Modules Executor
}

func (r Router) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Step.ModuleHash != "" {
		if r.Modules == nil {
			return Result{}, fmt.Errorf("executor: step %s needs a module executor (fail-closed)", req.Step.ID)
		}
		return r.Modules.Execute(ctx, req)
	}
	if r.Tools == nil {
		return Result{}, fmt.Errorf("executor: step %s needs a tool executor (fail-closed)", req.Step.ID)
	}
	return r.Tools.Execute(ctx, req)
}
