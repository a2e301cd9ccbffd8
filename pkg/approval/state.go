// Package approval persists the governance record of an execution suspended
// for human sign-off, so it can be resumed after a restart without
// re-planning.
package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

// SchemaVersion is written into every record. SupportedSchema is the range
// this build can replay.
const (
	SchemaVersion   = "1.0.0"
	SupportedSchema = "~1"
)

// Status of a persisted record. Approved records are consumed, not stored.
type Status string

const (
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusRejected         Status = "REJECTED"
)

// Kind says why the execution is waiting.
type Kind string

const (
	KindSkillGate             Kind = "skill_gate"
	KindApprovalRequiredBatch Kind = "approval_required_batch"
	KindConfidenceRegression  Kind = "confidence_regression"
)

// ParseKind rejects anything but the known kinds.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSkillGate, KindApprovalRequiredBatch, KindConfidenceRegression:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown approval kind %q", fault.ErrCorruptedState, s)
	}
}

// Mode controls checkpoint granularity. Phased executions checkpoint after
// every step; legacy executions run the whole plan as one phase.
type Mode string

const (
	ModePhased Mode = "phased"
	ModeLegacy Mode = "legacy"
)

// LegacyPhaseID is the single phase of a legacy execution.
const LegacyPhaseID = "legacy"

// Step is one unit of work in a plan.
type Step struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Skills []string       `json:"skills,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	// RequiresSignoff puts the step in the execution-wide batch that needs one
	// combined approval before anything runs.
	RequiresSignoff bool `json:"requires_signoff,omitempty"`
	// ModuleHash is the CAS digest of a WASI module to run instead of a tool.
	ModuleHash string `json:"module_hash,omitempty"`
}

// Plan is what the gate decision and the approval are bound to.
type Plan struct {
	Command string `json:"command"`
	Steps   []Step `json:"steps"`
}

// Prestate is a step's starting snapshot captured before its first attempt.
type Prestate struct {
	Snapshot    json.RawMessage `json:"snapshot"`
	Fingerprint string          `json:"fingerprint"`
}

// Regression is recorded when a step's confidence fell far enough to need
// re-approval.
type Regression struct {
	StepID   string              `json:"step_id"`
	Previous confidence.Snapshot `json:"previous"`
	Current  confidence.Snapshot `json:"current"`
	Result   confidence.Result   `json:"result"`
}

// State is the durable record of a suspended execution. Every write replaces
// the whole record.
type State struct {
	SchemaVersion string `json:"schema_version"`
	Kind          Kind   `json:"kind"`
	ExecutionID   string `json:"execution_id"`
	Status        Status `json:"status"`

	CreatedAt       time.Time `json:"created_at"`
	PlanHash        string    `json:"plan_hash"`
	Command         string    `json:"command"`
	OriginalCommand string    `json:"original_command"`
	DomainID        string    `json:"domain_id,omitempty"`

	SkillsChecked      []string        `json:"skills_checked"`
	SkillsGateDecision skills.Decision `json:"skills_gate_decision"`
	SkillsGateReasons  []skills.Reason `json:"skills_gate_reasons"`
	SkillsLockSHA256   string          `json:"skills_lock_sha256"`

	Mode                 Mode                `json:"mode"`
	Plan                 Plan                `json:"plan"`
	PendingStepIDs       []string            `json:"pending_step_ids"`
	Prestates            map[string]Prestate `json:"prestates"`
	PhasesPlanned        []string            `json:"phases_planned"`
	PhasesExecuted       []string            `json:"phases_executed"`
	NextPhaseID          string              `json:"next_phase_id,omitempty"`
	ResolvedCapabilities []string            `json:"resolved_capabilities"`
	Steps                []Step              `json:"steps"`
	StartedAt            *time.Time          `json:"started_at,omitempty"`

	Batch                   []string               `json:"batch,omitempty"`
	Regression              *Regression            `json:"regression,omitempty"`
	AcknowledgedRegressions []string               `json:"acknowledged_regressions,omitempty"`
	Artifacts               []evidence.ArtifactRef `json:"artifacts,omitempty"`
	EvidenceRollup          string                 `json:"evidence_rollup,omitempty"`

	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// Executed reports whether phase id is already recorded as executed.
func (s *State) Executed(id string) bool {
	for _, p := range s.PhasesExecuted {
		if p == id {
			return true
		}
	}
	return false
}

// Check validates fields that JSON schema cannot: the schema version range
// and the kind-specific payload.
func (s *State) Check() error {
	v, err := semver.NewVersion(s.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: approval %s: schema_version %q: %v", fault.ErrCorruptedState, s.ExecutionID, s.SchemaVersion, err)
	}
	c, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: approval %s: schema_version %s not in %s", fault.ErrCorruptedState, s.ExecutionID, s.SchemaVersion, SupportedSchema)
	}

	switch s.Kind {
	case KindSkillGate:
	case KindApprovalRequiredBatch:
		if len(s.Batch) == 0 {
			return fmt.Errorf("%w: approval %s: batch record without steps", fault.ErrCorruptedState, s.ExecutionID)
		}
	case KindConfidenceRegression:
		if s.Regression == nil {
			return fmt.Errorf("%w: approval %s: regression record without regression", fault.ErrCorruptedState, s.ExecutionID)
		}
	default:
		_, err := ParseKind(string(s.Kind))
		return err
	}

	switch s.Status {
	case StatusAwaitingApproval:
	case StatusRejected:
		if s.RejectedAt == nil {
			return fmt.Errorf("%w: approval %s: rejected without rejected_at", fault.ErrCorruptedState, s.ExecutionID)
		}
	default:
		return fmt.Errorf("%w: approval %s: unknown status %q", fault.ErrCorruptedState, s.ExecutionID, s.Status)
	}

	switch s.Mode {
	case ModePhased, ModeLegacy:
	default:
		return fmt.Errorf("%w: approval %s: unknown mode %q", fault.ErrCorruptedState, s.ExecutionID, s.Mode)
	}
	return nil
}

// Completion is written when an execution finishes, so a late or concurrent
// resume observes the outcome instead of running again.
type Completion struct {
	ExecutionID    string                 `json:"execution_id"`
	PlanHash       string                 `json:"plan_hash"`
	CompletedAt    time.Time              `json:"completed_at"`
	ApprovedBy     string                 `json:"approved_by,omitempty"`
	PhasesExecuted []string               `json:"phases_executed"`
	Artifacts      []evidence.ArtifactRef `json:"artifacts,omitempty"`
	EvidenceRollup string                 `json:"evidence_rollup"`
}
