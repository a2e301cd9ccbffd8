package skills

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Decision is the gate's verdict.
type Decision string

const (
	DecisionAllow            Decision = "ALLOW"
	DecisionDeny             Decision = "DENY"
	DecisionApprovalRequired Decision = "APPROVAL_REQUIRED"
)

// Reason codes.
const (
	CodeRevoked      = "SKILL_REVOKED"
	CodeDisabled     = "SKILL_DISABLED"
	CodeExperimental = "SKILL_EXPERIMENTAL"
	CodePolicyRule   = "POLICY_RULE"
)

const detailUnknown = "not present in policy snapshot"

// Reason explains one contribution to a decision.
type Reason struct {
	Code   string `json:"code"`
	Skill  string `json:"skill,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Result of a gate decision.
type Result struct {
	Decision Decision `json:"decision"`
	Reasons  []Reason `json:"reasons,omitempty"`
	// Checked lists the evaluated skills in request order without duplicates.
	Checked []string `json:"checked"`
}

// Decide applies the snapshot's skill statuses to requested. Any revoked,
// disabled or unknown skill denies; otherwise any experimental skill requires
// approval. A nil snapshot knows no skills, so every non-empty request is
// denied.
func Decide(requested []string, snap *Snapshot) Result {
	res := Result{Decision: DecisionAllow, Checked: []string{}}
	seen := make(map[string]bool, len(requested))
	deny, experimental := false, false

	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true
		res.Checked = append(res.Checked, id)

		var sk Skill
		var ok bool
		if snap != nil {
			sk, ok = snap.Skills[id]
		}
		switch {
		case !ok:
			deny = true
			res.Reasons = append(res.Reasons, Reason{Code: CodeDisabled, Skill: id, Detail: detailUnknown})
		case sk.Status == StatusRevoked:
			deny = true
			res.Reasons = append(res.Reasons, Reason{Code: CodeRevoked, Skill: id})
		case sk.Status == StatusDisabled:
			deny = true
			res.Reasons = append(res.Reasons, Reason{Code: CodeDisabled, Skill: id})
		case sk.Status == StatusExperimental:
			experimental = true
			res.Reasons = append(res.Reasons, Reason{Code: CodeExperimental, Skill: id})
		}
	}

	switch {
	case deny:
		res.Decision = DecisionDeny
	case experimental:
		res.Decision = DecisionApprovalRequired
	}
	return res
}

// Input is what a Gate evaluates.
type Input struct {
	Skills   []string
	Command  string
	DomainID string
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Gate is a snapshot with its escalation rules compiled.
type Gate struct {
	snap  *Snapshot
	rules []compiledRule
}

// NewGate compiles snap's escalate_when rules. Every rule must be a boolean
// expression.
func NewGate(snap *Snapshot) (*Gate, error) {
	g := &Gate{snap: snap}
	if snap == nil || len(snap.EscalateWhen) == 0 {
		return g, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("skills", cel.ListType(cel.StringType)),
		cel.Variable("command", cel.StringType),
		cel.Variable("domain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("skills: cel env: %w", err)
	}
	for _, r := range snap.EscalateWhen {
		ast, iss := env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("skills: rule %q: %w", r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("skills: rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("skills: rule %q: %w", r.Name, err)
		}
		g.rules = append(g.rules, compiledRule{rule: r, prg: prg})
	}
	return g, nil
}

// Snapshot returns the snapshot the gate was built from.
func (g *Gate) Snapshot() *Snapshot { return g.snap }

// Evaluate runs Decide and then the escalation rules. Rules only ever move
// ALLOW to APPROVAL_REQUIRED; a DENY is returned untouched. A rule that fails
// at runtime counts as a hit.
func (g *Gate) Evaluate(in Input) Result {
	res := Decide(in.Skills, g.snap)
	if res.Decision == DecisionDeny {
		return res
	}

	vars := map[string]any{
		"skills":  res.Checked,
		"command": in.Command,
		"domain":  in.DomainID,
	}
	for _, cr := range g.rules {
		out, _, err := cr.prg.Eval(vars)
		detail := cr.rule.Detail
		if detail == "" {
			detail = cr.rule.Name
		}
		if err != nil {
			detail = fmt.Sprintf("%s: evaluation failed: %v", cr.rule.Name, err)
		} else if hit, ok := out.Value().(bool); !ok || !hit {
			continue
		}
		res.Reasons = append(res.Reasons, Reason{Code: CodePolicyRule, Detail: detail})
		res.Decision = DecisionApprovalRequired
	}
	return res
}
