package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

// Status is what a caller sees for an execution.
type Status string

const (
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusCompleted        Status = "COMPLETED"
	StatusRejected         Status = "REJECTED"
)

// Request asks the engine to run a plan.
type Request struct {
	// ExecutionID is generated when empty.
	ExecutionID  string          `json:"execution_id,omitempty"`
	Command      string          `json:"command"`
	DomainID     string          `json:"domain_id,omitempty"`
	Mode         approval.Mode   `json:"mode,omitempty"`
	Steps        []approval.Step `json:"steps"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// Approval identifies the operator signing off.
type Approval struct {
	ApprovedBy string `json:"approved_by"`
}

// Outcome of Start, Approve, Reject or Status.
type Outcome struct {
	ExecutionID     string                 `json:"execution_id"`
	Status          Status                 `json:"status"`
	Kind            approval.Kind          `json:"kind,omitempty"`
	PlanHash        string                 `json:"plan_hash"`
	Decision        skills.Decision        `json:"decision,omitempty"`
	Reasons         []skills.Reason        `json:"reasons,omitempty"`
	Regression      *approval.Regression   `json:"regression,omitempty"`
	PendingStepIDs  []string               `json:"pending_step_ids,omitempty"`
	PhasesExecuted  []string               `json:"phases_executed"`
	Artifacts       []evidence.ArtifactRef `json:"artifacts,omitempty"`
	EvidenceRollup  string                 `json:"evidence_rollup,omitempty"`
	ApprovedBy      string                 `json:"approved_by,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	RejectedAt      *time.Time             `json:"rejected_at,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
}

// DeniedError carries the gate's reasons for a DENY. It unwraps to
// fault.ErrPolicyDenied.
type DeniedError struct {
	Reasons []skills.Reason
}

func (e *DeniedError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		if r.Skill != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", r.Code, r.Skill))
		} else {
			parts = append(parts, r.Code)
		}
	}
	return fmt.Sprintf("%s: %s", fault.ErrPolicyDenied, strings.Join(parts, ", "))
}

func (e *DeniedError) Unwrap() error { return fault.ErrPolicyDenied }

// Observer receives engine events for metrics.
type Observer interface {
	GateDecided(ctx context.Context, decision skills.Decision)
	RegressionDetected(ctx context.Context, severity confidence.Severity)
	ExecutionFinished(ctx context.Context, status Status)
}

type nopObserver struct{}

func (nopObserver) GateDecided(context.Context, skills.Decision) {}
func (nopObserver) RegressionDetected(context.Context, confidence.Severity) {}
func (nopObserver) ExecutionFinished(context.Context, Status) {}

// ReceiptSink records externally observable transitions. *receipts.Log
// implements it.
type ReceiptSink interface {
	Append(ctx context.Context, r receipts.Receipt) (receipts.Receipt, error)
}
