// Package execution is the approval-gated state machine. An execution is
// planned, gated on the skill policy, suspended for human sign-off when
// needed and resumed from its persisted record without re-planning.
//
//	PLANNING -> AWAITING_APPROVAL -> RESUMING -> EXECUTING -> COMPLETED
//	                              \-> REJECTED
//	EXECUTING -> AWAITING_APPROVAL   (MAJOR confidence regression)
//
// Only AWAITING_APPROVAL and REJECTED are persisted. Completion consumes the
// record and leaves a completion entry behind, so a late or concurrent
// resume observes the outcome instead of running the plan twice.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/evidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/executor"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

// Config wires an Engine. Store, Policy and Executor are required.
type Config struct {
	Store    approval.Store
	Policy   PolicySource
	Executor executor.Executor

	Locker    approval.Locker
	Baselines BaselineStore
	Capturer  Capturer
	Receipts  ReceiptSink
	Observer  Observer

	// Tolerance suppresses SCORE_DROP reasons up to this many points.
	Tolerance int
	// LockTimeout bounds how long a writer waits for the per-execution lock.
	LockTimeout time.Duration
	// Agent is recorded on receipts.
	Agent  string
	Clock  func() time.Time
	Logger *slog.Logger
}

// Engine runs executions. It is safe for concurrent use; writers to the same
// execution id are serialized by the Locker.
type Engine struct {
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Policy == nil || cfg.Executor == nil {
		return nil, errors.New("execution: store, policy and executor are required")
	}
	if cfg.Locker == nil {
		cfg.Locker = approval.NewMemoryLocker()
	}
	if cfg.Baselines == nil {
		cfg.Baselines = NewMemoryBaselines()
	}
	if cfg.Capturer == nil {
		cfg.Capturer = paramsCapturer{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Agent == "" {
		cfg.Agent = "gatekeeper"
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		now:    now,
		log:    logger.With("component", "execution"),
		tracer: otel.Tracer("github.com/Mindburn-Labs/gatekeeper/pkg/execution"),
	}, nil
}

// Start plans req, runs the skill gate and either executes the plan, or
// persists it for approval and returns AWAITING_APPROVAL. A DENY returns a
// *DeniedError.
func (e *Engine) Start(ctx context.Context, req Request) (out *Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "execution.Start")
	defer func() { endSpan(span, err) }()

	plan, err := buildPlan(req)
	if err != nil {
		return nil, err
	}
	planHash, err := canonicalize.CanonicalHash(plan)
	if err != nil {
		return nil, fmt.Errorf("execution: plan hash: %w", err)
	}
	gate, err := e.cfg.Policy.Gate(ctx)
	if err != nil {
		return nil, err
	}
	lockSHA, err := lockHash(gate)
	if err != nil {
		return nil, err
	}

	res := gate.Evaluate(skills.Input{Skills: requestedSkills(plan.Steps), Command: plan.Command, DomainID: req.DomainID})
	e.cfg.Observer.GateDecided(ctx, res.Decision)
	span.SetAttributes(attribute.String("gatekeeper.gate.decision", string(res.Decision)))
	if res.Decision == skills.DecisionDeny {
		e.log.WarnContext(ctx, "execution denied by skill gate", "plan_hash", planHash, "reasons", len(res.Reasons))
		return nil, &DeniedError{Reasons: res.Reasons}
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	if !approval.ValidID(id) {
		return nil, fmt.Errorf("execution: invalid execution id %q", id)
	}
	span.SetAttributes(attribute.String("gatekeeper.execution.id", id))

	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if used, err := e.exists(ctx, id); err != nil {
		return nil, err
	} else if used {
		return nil, fmt.Errorf("%w: execution id %s already in use", fault.ErrConflict, id)
	}

	mode := req.Mode
	if mode == "" {
		mode = approval.ModePhased
	}
	st := &approval.State{
		SchemaVersion:        approval.SchemaVersion,
		ExecutionID:          id,
		Status:               approval.StatusAwaitingApproval,
		CreatedAt:            e.now(),
		PlanHash:             planHash,
		Command:              plan.Command,
		OriginalCommand:      req.Command,
		DomainID:             req.DomainID,
		SkillsChecked:        res.Checked,
		SkillsGateDecision:   res.Decision,
		SkillsGateReasons:    res.Reasons,
		SkillsLockSHA256:     lockSHA,
		Mode:                 mode,
		Plan:                 plan,
		PendingStepIDs:       stepIDs(plan.Steps),
		Prestates:            map[string]approval.Prestate{},
		PhasesPlanned:        phasesPlanned(mode, plan.Steps),
		PhasesExecuted:       []string{},
		ResolvedCapabilities: sortedUnique(req.Capabilities),
		Steps:                plan.Steps,
		Batch:                signoffBatch(plan.Steps),
	}
	st.NextPhaseID = st.PhasesPlanned[0]

	e.receipt(ctx, st, receipts.StatusPending, "execute")

	switch {
	case res.Decision == skills.DecisionApprovalRequired:
		st.Kind = approval.KindSkillGate
	case len(st.Batch) > 0:
		st.Kind = approval.KindApprovalRequiredBatch
	default:
		return e.run(ctx, st, false, "")
	}

	if err := e.cfg.Store.Save(ctx, st); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "execution awaiting approval", "execution_id", id, "kind", st.Kind, "plan_hash", planHash)
	e.cfg.Observer.ExecutionFinished(ctx, StatusAwaitingApproval)
	return stateOutcome(st), nil
}

// Approve resumes a suspended execution. The recorded plan hash and skills
// lock hash must still match; otherwise the caller has to re-plan.
func (e *Engine) Approve(ctx context.Context, executionID string, a Approval) (out *Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "execution.Approve",
		trace.WithAttributes(attribute.String("gatekeeper.execution.id", executionID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(a.ApprovedBy) == "" {
		return nil, fmt.Errorf("%w: approver identity required", fault.ErrAuthentication)
	}
	unlock, err := e.lock(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c, err := e.cfg.Store.Completion(ctx, executionID); err == nil {
		e.log.InfoContext(ctx, "execution already completed", "execution_id", executionID)
		return completionOutcome(c), nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	st, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if st.Status == approval.StatusRejected {
		return nil, fmt.Errorf("%w: execution %s", fault.ErrRejected, executionID)
	}
	if err := e.revalidate(ctx, st); err != nil {
		return nil, err
	}

	if st.Kind == approval.KindConfidenceRegression && st.Regression != nil && !contains(st.AcknowledgedRegressions, st.Regression.StepID) {
		st.AcknowledgedRegressions = append(st.AcknowledgedRegressions, st.Regression.StepID)
		if err := e.cfg.Baselines.Record(ctx, baselineKey(st.PlanHash, st.Regression.StepID), st.Regression.Current); err != nil {
			return nil, fmt.Errorf("execution: record baseline: %w", err)
		}
	}

	e.log.InfoContext(ctx, "execution approved", "execution_id", executionID, "approved_by", a.ApprovedBy, "kind", st.Kind)
	return e.run(ctx, st, true, a.ApprovedBy)
}

// Reject terminally rejects a suspended execution.
func (e *Engine) Reject(ctx context.Context, executionID, reason string) (out *Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "execution.Reject",
		trace.WithAttributes(attribute.String("gatekeeper.execution.id", executionID)))
	defer func() { endSpan(span, err) }()

	unlock, err := e.lock(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.cfg.Store.Completion(ctx, executionID); err == nil {
		return nil, fmt.Errorf("%w: execution %s already completed", fault.ErrConflict, executionID)
	} else if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}
	st, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if st.Status == approval.StatusRejected {
		return nil, fmt.Errorf("%w: execution %s", fault.ErrRejected, executionID)
	}

	now := e.now()
	st.Status = approval.StatusRejected
	st.RejectedAt = &now
	st.RejectionReason = reason
	if err := e.cfg.Store.Save(ctx, st); err != nil {
		return nil, err
	}
	e.receipt(ctx, st, receipts.StatusFailed, "reject")
	e.log.InfoContext(ctx, "execution rejected", "execution_id", executionID)
	e.cfg.Observer.ExecutionFinished(ctx, StatusRejected)
	return stateOutcome(st), nil
}

// Status reports where an execution stands without changing it.
func (e *Engine) Status(ctx context.Context, executionID string) (*Outcome, error) {
	if c, err := e.cfg.Store.Completion(ctx, executionID); err == nil {
		return completionOutcome(c), nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}
	st, err := e.cfg.Store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return stateOutcome(st), nil
}

// run executes the phases not yet executed. persisted says whether st has a
// record on disk that must be checkpointed.
func (e *Engine) run(ctx context.Context, st *approval.State, persisted bool, approvedBy string) (*Outcome, error) {
	if st.StartedAt == nil {
		t := e.now()
		st.StartedAt = &t
	}
	if st.Prestates == nil {
		st.Prestates = map[string]approval.Prestate{}
	}

	var (
		reg *approval.Regression
		err error
	)
	switch st.Mode {
	case approval.ModeLegacy:
		reg, err = e.runLegacy(ctx, st, persisted)
	case approval.ModePhased:
		reg, err = e.runPhased(ctx, st, persisted)
	default:
		err = fmt.Errorf("%w: execution %s: unknown mode %q", fault.ErrCorruptedState, st.ExecutionID, st.Mode)
	}
	if err != nil {
		if persisted {
			if serr := e.cfg.Store.Save(ctx, st); serr != nil {
				e.log.ErrorContext(ctx, "checkpoint after failure not saved", "execution_id", st.ExecutionID, "error", serr)
			}
		}
		return nil, err
	}
	if reg != nil {
		return e.suspend(ctx, st, reg)
	}

	rollup, err := evidence.Rollup(st.Artifacts)
	if err != nil {
		return nil, err
	}
	c := &approval.Completion{
		ExecutionID:    st.ExecutionID,
		PlanHash:       st.PlanHash,
		CompletedAt:    e.now(),
		ApprovedBy:     approvedBy,
		PhasesExecuted: st.PhasesExecuted,
		Artifacts:      st.Artifacts,
		EvidenceRollup: rollup,
	}
	if err := e.cfg.Store.Complete(ctx, c); err != nil {
		return nil, err
	}
	e.receipt(ctx, st, receipts.StatusExecuted, "execute")
	e.log.InfoContext(ctx, "execution completed", "execution_id", st.ExecutionID, "phases", len(st.PhasesExecuted), "evidence_rollup", rollup)
	e.cfg.Observer.ExecutionFinished(ctx, StatusCompleted)
	return completionOutcome(c), nil
}

func (e *Engine) runPhased(ctx context.Context, st *approval.State, persisted bool) (*approval.Regression, error) {
	steps := indexSteps(st.Plan.Steps)
	for i, id := range st.PendingStepIDs {
		if st.Executed(id) {
			continue
		}
		step, ok := steps[id]
		if !ok {
			return nil, fmt.Errorf("%w: execution %s: pending step %s not in plan", fault.ErrCorruptedState, st.ExecutionID, id)
		}
		st.NextPhaseID = id
		changed, err := e.ensurePrestate(ctx, st, step)
		if err != nil {
			return nil, err
		}
		if changed && persisted {
			if err := e.cfg.Store.Save(ctx, st); err != nil {
				return nil, err
			}
		}

		res, err := e.execute(ctx, st, step)
		if err != nil {
			return nil, err
		}
		st.PhasesExecuted = append(st.PhasesExecuted, id)
		st.NextPhaseID = nextPending(st, i+1)
		if err := collect(st, res); err != nil {
			return nil, err
		}
		reg, err := e.checkConfidence(ctx, st, step, res)
		if err != nil || reg != nil {
			return reg, err
		}
		if persisted {
			if err := e.cfg.Store.Save(ctx, st); err != nil {
				return nil, err
			}
		}
	}
	st.NextPhaseID = ""
	return nil, nil
}

// runLegacy runs the whole plan as one phase. Prestates are captured for
// every step up front; there is no checkpoint between steps, so a failure
// re-runs the entire plan on the next resume.
func (e *Engine) runLegacy(ctx context.Context, st *approval.State, persisted bool) (*approval.Regression, error) {
	if st.Executed(approval.LegacyPhaseID) {
		return nil, nil
	}
	st.NextPhaseID = approval.LegacyPhaseID
	steps := indexSteps(st.Plan.Steps)

	ordered := make([]approval.Step, 0, len(st.PendingStepIDs))
	changed := false
	for _, id := range st.PendingStepIDs {
		step, ok := steps[id]
		if !ok {
			return nil, fmt.Errorf("%w: execution %s: pending step %s not in plan", fault.ErrCorruptedState, st.ExecutionID, id)
		}
		c, err := e.ensurePrestate(ctx, st, step)
		if err != nil {
			return nil, err
		}
		changed = changed || c
		ordered = append(ordered, step)
	}
	if changed && persisted {
		if err := e.cfg.Store.Save(ctx, st); err != nil {
			return nil, err
		}
	}

	var artifacts []evidence.ArtifactRef
	var first *approval.Regression
	for _, step := range ordered {
		res, err := e.execute(ctx, st, step)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, res.Artifacts...)
		reg, err := e.checkConfidence(ctx, st, step, res)
		if err != nil {
			return nil, err
		}
		if reg != nil && first == nil {
			first = reg
		}
	}
	st.PhasesExecuted = append(st.PhasesExecuted, approval.LegacyPhaseID)
	st.NextPhaseID = ""
	if err := collect(st, executor.Result{Artifacts: artifacts}); err != nil {
		return nil, err
	}
	return first, nil
}

func (e *Engine) ensurePrestate(ctx context.Context, st *approval.State, step approval.Step) (bool, error) {
	if _, ok := st.Prestates[step.ID]; ok {
		return false, nil
	}
	snap, err := e.cfg.Capturer.Capture(ctx, st.ExecutionID, step)
	if err != nil {
		return false, fmt.Errorf("execution %s: capture prestate for %s: %w", st.ExecutionID, step.ID, err)
	}
	fp, err := fingerprint(snap)
	if err != nil {
		return false, fmt.Errorf("execution %s: fingerprint prestate for %s: %w", st.ExecutionID, step.ID, err)
	}
	st.Prestates[step.ID] = approval.Prestate{Snapshot: snap, Fingerprint: fp}
	return true, nil
}

func (e *Engine) execute(ctx context.Context, st *approval.State, step approval.Step) (executor.Result, error) {
	res, err := e.cfg.Executor.Execute(ctx, executor.Request{
		ExecutionID: st.ExecutionID,
		Step:        step,
		Prestate:    st.Prestates[step.ID].Snapshot,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "step failed", "execution_id", st.ExecutionID, "step_id", step.ID, "error", err)
		e.receipt(ctx, st, receipts.StatusFailed, "step:"+step.ID)
		return executor.Result{}, fmt.Errorf("execution %s: step %s: %w", st.ExecutionID, step.ID, err)
	}
	return res, nil
}

// checkConfidence compares the step's reported confidence with the last
// accepted one. A MAJOR regression is returned for suspension and does not
// become the new baseline until approved.
func (e *Engine) checkConfidence(ctx context.Context, st *approval.State, step approval.Step, res executor.Result) (*approval.Regression, error) {
	if res.Confidence == nil {
		return nil, nil
	}
	key := baselineKey(st.PlanHash, step.ID)
	cur := *res.Confidence
	if contains(st.AcknowledgedRegressions, step.ID) {
		return nil, e.cfg.Baselines.Record(ctx, key, cur)
	}
	prev, err := e.cfg.Baselines.Previous(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("execution: load baseline: %w", err)
	}
	r := confidence.Compare(prev, cur, e.cfg.Tolerance)
	if r.Severity != confidence.SeverityNone {
		e.cfg.Observer.RegressionDetected(ctx, r.Severity)
		e.log.WarnContext(ctx, "confidence regression", "execution_id", st.ExecutionID, "step_id", step.ID,
			"severity", r.Severity, "reasons", strings.Join(r.Reasons, ","))
	}
	if r.Severity == confidence.SeverityMajor {
		return &approval.Regression{StepID: step.ID, Previous: *prev, Current: cur, Result: r}, nil
	}
	if err := e.cfg.Baselines.Record(ctx, key, cur); err != nil {
		return nil, fmt.Errorf("execution: record baseline: %w", err)
	}
	return nil, nil
}

func (e *Engine) suspend(ctx context.Context, st *approval.State, reg *approval.Regression) (*Outcome, error) {
	st.Kind = approval.KindConfidenceRegression
	st.Regression = reg
	st.Status = approval.StatusAwaitingApproval
	if err := e.cfg.Store.Save(ctx, st); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "execution awaiting re-approval", "execution_id", st.ExecutionID, "step_id", reg.StepID)
	e.cfg.Observer.ExecutionFinished(ctx, StatusAwaitingApproval)
	return stateOutcome(st), nil
}

// revalidate fails closed when the record no longer matches what was
// approved: a different plan, a different skills lock, or altered prestates.
func (e *Engine) revalidate(ctx context.Context, st *approval.State) error {
	planHash, err := canonicalize.CanonicalHash(st.Plan)
	if err != nil {
		return fmt.Errorf("execution: plan hash: %w", err)
	}
	if planHash != st.PlanHash {
		return fmt.Errorf("%w: execution %s: plan hash changed", fault.ErrStaleAuthorization, st.ExecutionID)
	}
	gate, err := e.cfg.Policy.Gate(ctx)
	if err != nil {
		return err
	}
	lockSHA, err := lockHash(gate)
	if err != nil {
		return err
	}
	if lockSHA != st.SkillsLockSHA256 {
		return fmt.Errorf("%w: execution %s: skills lock changed since suspension", fault.ErrStaleAuthorization, st.ExecutionID)
	}
	for id, p := range st.Prestates {
		fp, err := fingerprint(p.Snapshot)
		if err != nil || fp != p.Fingerprint {
			return fmt.Errorf("%w: execution %s: prestate for %s does not match its fingerprint", fault.ErrCorruptedState, st.ExecutionID, id)
		}
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	return approval.Lock(lctx, e.cfg.Locker, id)
}

func (e *Engine) exists(ctx context.Context, id string) (bool, error) {
	if _, err := e.cfg.Store.Completion(ctx, id); err == nil {
		return true, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return false, err
	}
	_, err := e.cfg.Store.Load(ctx, id)
	switch {
	case err == nil, errors.Is(err, fault.ErrCorruptedState):
		return true, nil
	case errors.Is(err, fault.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (e *Engine) receipt(ctx context.Context, st *approval.State, status receipts.Status, action string) {
	if e.cfg.Receipts == nil {
		return
	}
	_, err := e.cfg.Receipts.Append(ctx, receipts.Receipt{
		TaskID:      st.ExecutionID,
		Agent:       e.cfg.Agent,
		Action:      action,
		Status:      status,
		PayloadHash: st.PlanHash,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "receipt not recorded", "execution_id", st.ExecutionID, "action", action, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func collect(st *approval.State, res executor.Result) error {
	if len(res.Artifacts) == 0 {
		return nil
	}
	st.Artifacts = append(st.Artifacts, res.Artifacts...)
	rollup, err := evidence.Rollup(st.Artifacts)
	if err != nil {
		return err
	}
	st.EvidenceRollup = rollup
	return nil
}

func buildPlan(req Request) (approval.Plan, error) {
	cmd := canonicalize.NormalizeText(strings.TrimSpace(req.Command))
	if cmd == "" {
		return approval.Plan{}, errors.New("execution: command is required")
	}
	if len(req.Steps) == 0 {
		return approval.Plan{}, errors.New("execution: plan has no steps")
	}
	switch req.Mode {
	case "", approval.ModePhased, approval.ModeLegacy:
	default:
		return approval.Plan{}, fmt.Errorf("execution: unknown mode %q", req.Mode)
	}
	seen := make(map[string]bool, len(req.Steps))
	for _, s := range req.Steps {
		if !approval.ValidID(s.ID) {
			return approval.Plan{}, fmt.Errorf("execution: invalid step id %q", s.ID)
		}
		if s.ID == approval.LegacyPhaseID {
			return approval.Plan{}, fmt.Errorf("execution: step id %q is reserved", s.ID)
		}
		if seen[s.ID] {
			return approval.Plan{}, fmt.Errorf("execution: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return approval.Plan{Command: cmd, Steps: req.Steps}, nil
}

func requestedSkills(steps []approval.Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Skills...)
	}
	return out
}

func stepIDs(steps []approval.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

func phasesPlanned(mode approval.Mode, steps []approval.Step) []string {
	if mode == approval.ModeLegacy {
		return []string{approval.LegacyPhaseID}
	}
	return stepIDs(steps)
}

func signoffBatch(steps []approval.Step) []string {
	var ids []string
	for _, s := range steps {
		if s.RequiresSignoff {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func indexSteps(steps []approval.Step) map[string]approval.Step {
	m := make(map[string]approval.Step, len(steps))
	for _, s := range steps {
		m[s.ID] = s
	}
	return m
}

func nextPending(st *approval.State, from int) string {
	for _, id := range st.PendingStepIDs[from:] {
		if !st.Executed(id) {
			return id
		}
	}
	return ""
}

func remaining(st *approval.State) []string {
	if st.Mode == approval.ModeLegacy {
		if st.Executed(approval.LegacyPhaseID) {
			return nil
		}
		return st.PendingStepIDs
	}
	var out []string
	for _, id := range st.PendingStepIDs {
		if !st.Executed(id) {
			out = append(out, id)
		}
	}
	return out
}

func sortedUnique(in []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func stateOutcome(st *approval.State) *Outcome {
	status := StatusAwaitingApproval
	if st.Status == approval.StatusRejected {
		status = StatusRejected
	}
	return &Outcome{
		ExecutionID:     st.ExecutionID,
		Status:          status,
		Kind:            st.Kind,
		PlanHash:        st.PlanHash,
		Decision:        st.SkillsGateDecision,
		Reasons:         st.SkillsGateReasons,
		Regression:      st.Regression,
		PendingStepIDs:  remaining(st),
		PhasesExecuted:  st.PhasesExecuted,
		Artifacts:       st.Artifacts,
		EvidenceRollup:  st.EvidenceRollup,
		RejectedAt:      st.RejectedAt,
		RejectionReason: st.RejectionReason,
	}
}

func completionOutcome(c *approval.Completion) *Outcome {
	at := c.CompletedAt
	return &Outcome{
		ExecutionID:    c.ExecutionID,
		Status:         StatusCompleted,
		PlanHash:       c.PlanHash,
		PhasesExecuted: c.PhasesExecuted,
		Artifacts:      c.Artifacts,
		EvidenceRollup: c.EvidenceRollup,
		ApprovedBy:     c.ApprovedBy,
		CompletedAt:    &at,
	}
}
