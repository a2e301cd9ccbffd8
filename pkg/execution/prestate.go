package execution

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
)

// Capturer records the state a step starts from. It is called once, before
// the step's first attempt; retries after a restart replay the stored value.
type Capturer interface {
	Capture(ctx context.Context, executionID string, step approval.Step) (json.RawMessage, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, executionID string, step approval.Step) (json.RawMessage, error)

func (f CapturerFunc) Capture(ctx context.Context, executionID string, step approval.Step) (json.RawMessage, error) {
	return f(ctx, executionID, step)
}

// paramsCapturer snapshots the step's own inputs.
type paramsCapturer struct{}

func (paramsCapturer) Capture(_ context.Context, _ string, step approval.Step) (json.RawMessage, error) {
	return canonicalize.JCS(map[string]any{
		"step_id": step.ID,
		"tool":    step.Tool,
		"params":  step.Params,
	})
}

func fingerprint(snapshot json.RawMessage) (string, error) {
	if len(snapshot) == 0 {
		snapshot = json.RawMessage("null")
	}
	return canonicalize.CanonicalHash(snapshot)
}
