package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: "1.0.0",
		Skills: map[string]Skill{
			"web.fetch":    {Status: StatusActive},
			"email.send":   {Status: StatusActive},
			"code.exec":    {Status: StatusExperimental},
			"browser.auto": {Status: StatusDisabled},
			"payments.pay": {Status: StatusRevoked},
		},
	}
}

func TestDecide(t *testing.T) {
	snap := testSnapshot()

	tests := []struct {
		name      string
		requested []string
		want      Decision
		codes     []string
	}{
		{"all active", []string{"web.fetch", "email.send"}, DecisionAllow, nil},
		{"nothing requested", nil, DecisionAllow, nil},
		{"experimental", []string{"web.fetch", "code.exec"}, DecisionApprovalRequired, []string{CodeExperimental}},
		{"revoked wins over experimental", []string{"code.exec", "payments.pay"}, DecisionDeny, []string{CodeExperimental, CodeRevoked}},
		{"disabled", []string{"browser.auto"}, DecisionDeny, []string{CodeDisabled}},
		{"unknown fails closed", []string{"web.fetch", "teleport"}, DecisionDeny, []string{CodeDisabled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide(tt.requested, snap)
			assert.Equal(t, tt.want, res.Decision)
			var codes []string
			for _, r := range res.Reasons {
				codes = append(codes, r.Code)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}

func TestDecide_UnknownDetailAndCheckedOrder(t *testing.T) {
	res := Decide([]string{"teleport", "web.fetch", "teleport"}, testSnapshot())
	assert.Equal(t, []string{"teleport", "web.fetch"}, res.Checked)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, Reason{Code: CodeDisabled, Skill: "teleport", Detail: "not present in policy snapshot"}, res.Reasons[0])

	assert.Equal(t, DecisionDeny, Decide([]string{"web.fetch"}, nil).Decision)
}

func TestSnapshotSHA256(t *testing.T) {
	a, err := testSnapshot().SHA256()
	require.NoError(t, err)
	b, err := testSnapshot().SHA256()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := testSnapshot()
	changed.Skills["code.exec"] = Skill{Status: StatusActive}
	c, err := changed.SHA256()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	withRule := testSnapshot()
	withRule.EscalateWhen = []Rule{{Name: "r", When: "true"}}
	d, err := withRule.SHA256()
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "rules participate in the hash")
}

func TestGate_RulesOnlyTighten(t *testing.T) {
	snap := testSnapshot()
	snap.EscalateWhen = []Rule{
		{Name: "outbound-email", When: `"email.send" in skills`, Detail: "outbound email needs sign-off"},
		{Name: "prod-domain", When: `domain == "prod"`},
	}
	g, err := NewGate(snap)
	require.NoError(t, err)

	res := g.Evaluate(Input{Skills: []string{"web.fetch"}})
	assert.Equal(t, DecisionAllow, res.Decision)

	res = g.Evaluate(Input{Skills: []string{"email.send"}})
	assert.Equal(t, DecisionApprovalRequired, res.Decision)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, Reason{Code: CodePolicyRule, Detail: "outbound email needs sign-off"}, res.Reasons[0])

	res = g.Evaluate(Input{Skills: []string{"web.fetch"}, DomainID: "prod"})
	assert.Equal(t, DecisionApprovalRequired, res.Decision)
	assert.Equal(t, "prod-domain", res.Reasons[0].Detail)

	res = g.Evaluate(Input{Skills: []string{"email.send", "payments.pay"}, DomainID: "prod"})
	assert.Equal(t, DecisionDeny, res.Decision, "rules never relax or override a deny")
	for _, r := range res.Reasons {
		assert.NotEqual(t, CodePolicyRule, r.Code)
	}
}

func TestNewGate_RejectsBadRules(t *testing.T) {
	snap := testSnapshot()
	snap.EscalateWhen = []Rule{{Name: "not-bool", When: `command + "x"`}}
	_, err := NewGate(snap)
	assert.Error(t, err)

	snap.EscalateWhen = []Rule{{Name: "syntax", When: `skills ==`}}
	_, err = NewGate(snap)
	assert.Error(t, err)

	g, err := NewGate(nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, g.Evaluate(Input{}).Decision)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "skills.lock.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
schema_version: "1.2.0"
skills:
  web.fetch:
    status: active
  code.exec:
    status: experimental
escalate_when:
  - name: long-commands
    when: size(command) > 500
`), 0o644))

	snap, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, StatusExperimental, snap.Skills["code.exec"].Status)
	require.Len(t, snap.EscalateWhen, 1)

	jsonPath := filepath.Join(dir, "skills.lock.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"schema_version":"1.2.0","skills":{"web.fetch":{"status":"active"},"code.exec":{"status":"experimental"}},"escalate_when":[{"name":"long-commands","when":"size(command) > 500"}]}`), 0o644))
	fromJSON, err := Load(jsonPath)
	require.NoError(t, err)

	h1, err := snap.SHA256()
	require.NoError(t, err)
	h2, err := fromJSON.SHA256()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash is independent of file format")
}

func TestParse_RejectsUnsupportedSchema(t *testing.T) {
	_, err := Parse([]byte(`{"schema_version":"2.0.0","skills":{}}`), true)
	assert.ErrorIs(t, err, fault.ErrCorruptedState)

	_, err = Parse([]byte(`{"skills":{}}`), true)
	assert.ErrorIs(t, err, fault.ErrCorruptedState)

	_, err = Parse([]byte(`{"schema_version":"1.0.0","skills":{"x":{"status":"maybe"}}}`), true)
	assert.ErrorIs(t, err, fault.ErrCorruptedState)
}
