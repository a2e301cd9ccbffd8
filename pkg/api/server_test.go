package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/gatekeeper/pkg/approval"
	"github.com/Mindburn-Labs/gatekeeper/pkg/auth"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/limiter"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

var (
	signingSecret = []byte("inbound-secret")
	jwtSecret     = []byte("operator-secret")
)

type fakeEngine struct {
	mu         sync.Mutex
	startErr   error
	startOut   *execution.Outcome
	started    []execution.Request
	approvedBy []string
	rejected   map[string]string
}

func (f *fakeEngine) Start(_ context.Context, req execution.Request) (*execution.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.startOut, nil
}

func (f *fakeEngine) Approve(_ context.Context, id string, a execution.Approval) (*execution.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "missing" {
		return nil, fault.ErrNotFound
	}
	f.approvedBy = append(f.approvedBy, a.ApprovedBy)
	return &execution.Outcome{ExecutionID: id, Status: execution.StatusCompleted, ApprovedBy: a.ApprovedBy}, nil
}

func (f *fakeEngine) Reject(_ context.Context, id, reason string) (*execution.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected == nil {
		f.rejected = map[string]string{}
	}
	if _, done := f.rejected[id]; done {
		return nil, fault.ErrRejected
	}
	f.rejected[id] = reason
	return &execution.Outcome{ExecutionID: id, Status: execution.StatusRejected, RejectionReason: reason}, nil
}

func (f *fakeEngine) Status(_ context.Context, id string) (*execution.Outcome, error) {
	if id == "missing" {
		return nil, fault.ErrNotFound
	}
	return &execution.Outcome{ExecutionID: id, Status: execution.StatusAwaitingApproval}, nil
}

type harness struct {
	srv     http.Handler
	engine  *fakeEngine
	log     *receipts.Log
	logPath string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receipts.ndjson")
	rl, err := receipts.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rl.Close() })

	eng := &fakeEngine{}
	cfg := Config{
		Engine:        eng,
		Receipts:      rl,
		SigningSecret: signingSecret,
		Operators:     auth.NewValidator(jwtSecret, "gatekeeper"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{srv: NewServer(cfg).Handler(), engine: eng, log: rl, logPath: path}
}

func (h *harness) post(t *testing.T, body any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(data))
	if sign {
		req.Header.Set(SignatureHeader, Sign(signingSecret, data))
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func (h *harness) readReceipts(t *testing.T) []receipts.Receipt {
	t.Helper()
	all, err := receipts.ReadAll(h.logPath)
	require.NoError(t, err)
	return all
}

func operatorToken(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.Issue(jwtSecret, "gatekeeper", "alice", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func validAction() map[string]any {
	return map[string]any{
		"task_id":           "task-1",
		"agent":             "billing-agent",
		"action":            "send_invoice",
		"payload":           map[string]any{"amount": 42, "currency": "EUR"},
		"payment_confirmed": true,
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAction_RequiresValidSignature(t *testing.T) {
	h := newHarness(t, nil)

	w := h.post(t, validAction(), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	data, _ := json.Marshal(validAction())
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(data))
	req.Header.Set(SignatureHeader, Sign([]byte("wrong"), data))
	w = httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, h.readReceipts(t), "unauthenticated requests leave no receipt")
}

func TestAction_UnconfiguredSecretRejectsEverything(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SigningSecret = nil })
	w := h.post(t, validAction(), true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAction_PaymentRequiredBeforeReceipt(t *testing.T) {
	h := newHarness(t, nil)
	body := validAction()
	body["payment_confirmed"] = false
	w := h.post(t, body, true)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	delete(body, "payment_confirmed")
	w = h.post(t, body, true)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	assert.Empty(t, h.readReceipts(t))
}

func TestAction_MissingFields(t *testing.T) {
	h := newHarness(t, nil)
	body := validAction()
	delete(body, "agent")
	w := h.post(t, body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAction_WritesPendingReceiptAndForwards(t *testing.T) {
	var (
		mu  sync.Mutex
		got []webhookBody
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b webhookBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	fwd := NewForwarder(hook.URL, hook.Client())
	h := newHarness(t, func(c *Config) { c.Forwarder = fwd })

	w := h.post(t, validAction(), true)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp ActionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, receipts.StatusPending, resp.Status)
	assert.Equal(t, "task-1", resp.TaskID)

	all := h.readReceipts(t)
	require.Len(t, all, 1)
	assert.Equal(t, resp.ReceiptID, all[0].ReceiptID)
	assert.Len(t, all[0].PayloadHash, 64)

	fwd.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, resp.ReceiptID, got[0].ReceiptID)
	assert.JSONEq(t, `{"amount":42,"currency":"EUR"}`, string(got[0].Payload))
}

func TestAction_WebhookFailureIsSwallowed(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hook.Close()

	fwd := NewForwarder(hook.URL, hook.Client())
	h := newHarness(t, func(c *Config) { c.Forwarder = fwd })
	w := h.post(t, validAction(), true)
	fwd.Wait()
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAction_PlanCompletedRecordsExecuted(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.startOut = &execution.Outcome{ExecutionID: "exec-1", Status: execution.StatusCompleted}

	body := validAction()
	body["plan"] = execution.Request{
		ExecutionID: "exec-1",
		Command:     "send invoice",
		Steps:       []approval.Step{{ID: "a", Tool: "mail", Skills: []string{"email"}}},
	}
	w := h.post(t, body, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp ActionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, receipts.StatusExecuted, resp.Status)
	require.NotNil(t, resp.Execution)
	assert.Equal(t, "exec-1", resp.Execution.ExecutionID)

	all := h.readReceipts(t)
	require.Len(t, all, 2)
	assert.Equal(t, receipts.StatusPending, all[0].Status)
	assert.Equal(t, receipts.StatusExecuted, all[1].Status)
	assert.Equal(t, all[0].TaskID, all[1].TaskID)
	require.Len(t, h.engine.started, 1)
	assert.Equal(t, "send invoice", h.engine.started[0].Command)
}

func TestAction_ForwardsOnlyApprovedPlans(t *testing.T) {
	var (
		mu  sync.Mutex
		got []webhookBody
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b webhookBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	fwd := NewForwarder(hook.URL, hook.Client())
	h := newHarness(t, func(c *Config) { c.Forwarder = fwd })

	body := validAction()
	body["plan"] = execution.Request{
		ExecutionID: "exec-wait",
		Command:     "send invoice",
		Steps:       []approval.Step{{ID: "a", Tool: "mail", Skills: []string{"email"}}},
	}
	h.engine.startOut = &execution.Outcome{ExecutionID: "exec-wait", Status: execution.StatusAwaitingApproval}
	w := h.post(t, body, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	var suspended ActionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&suspended))

	h.engine.startOut = &execution.Outcome{ExecutionID: "exec-done", Status: execution.StatusCompleted}
	w = h.post(t, body, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	var completed ActionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&completed))

	fwd.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "a plan awaiting approval is not forwarded")
	assert.Equal(t, completed.ReceiptID, got[0].ReceiptID)
}

func TestAction_PlanDeniedRecordsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.startErr = &execution.DeniedError{Reasons: []skills.Reason{{Code: skills.CodeDisabled, Skill: "shell"}}}

	body := validAction()
	body["plan"] = execution.Request{Command: "rm", Steps: []approval.Step{{ID: "a", Tool: "sh", Skills: []string{"shell"}}}}
	w := h.post(t, body, true)
	require.Equal(t, http.StatusForbidden, w.Code)

	var p map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, "POLICY_DENIED", p["code"])
	assert.NotEmpty(t, p["reasons"])

	all := h.readReceipts(t)
	require.Len(t, all, 2)
	assert.Equal(t, receipts.StatusFailed, all[1].Status)
}

func TestAction_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Limiter = limiter.NewMemoryStore()
		c.RatePolicy = limiter.Policy{RPM: 1, Burst: 2}
	})
	assert.Equal(t, http.StatusAccepted, h.post(t, validAction(), true).Code)
	w := h.post(t, validAction(), true)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func operatorCall(t *testing.T, h *harness, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func TestOperator_RequiresApproverRole(t *testing.T) {
	h := newHarness(t, nil)

	w := operatorCall(t, h, http.MethodPost, "/v1/executions/exec-1/approve", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = operatorCall(t, h, http.MethodPost, "/v1/executions/exec-1/approve", operatorToken(t, "viewer"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Empty(t, h.engine.approvedBy)
}

func TestOperator_ApproveUsesTokenSubject(t *testing.T) {
	h := newHarness(t, nil)
	tok := operatorToken(t, auth.RoleApprover)

	w := operatorCall(t, h, http.MethodPost, "/v1/executions/exec-1/approve", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out execution.Outcome
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "alice", out.ApprovedBy)
	assert.Equal(t, []string{"alice"}, h.engine.approvedBy)

	w = operatorCall(t, h, http.MethodPost, "/v1/executions/missing/approve", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperator_RejectAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	tok := operatorToken(t, auth.RoleApprover)

	w := operatorCall(t, h, http.MethodPost, "/v1/executions/exec-2/reject", tok, bytes.NewBufferString(`{"reason":"too risky"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "too risky", h.engine.rejected["exec-2"])

	w = operatorCall(t, h, http.MethodPost, "/v1/executions/exec-2/reject", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = operatorCall(t, h, http.MethodGet, "/v1/executions/exec-2", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = operatorCall(t, h, http.MethodGet, "/v1/executions/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperator_StatusIncludesLatestReceipt(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	idx := receipts.NewSQLIndex(db)
	require.NoError(t, idx.Migrate(ctx))
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, st := range []receipts.Status{receipts.StatusPending, receipts.StatusExecuted} {
		require.NoError(t, idx.Index(ctx, receipts.Receipt{
			ReceiptID: "r-" + string(st), TaskID: "exec-3", Agent: "gatekeeper", Action: "execution",
			Status: st, Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	h := newHarness(t, func(c *Config) { c.ReceiptIndex = idx })
	w := operatorCall(t, h, http.MethodGet, "/v1/executions/exec-3", operatorToken(t, auth.RoleApprover), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, "exec-3", resp.ExecutionID)
	assert.Equal(t, execution.StatusAwaitingApproval, resp.Status)
	require.NotNil(t, resp.LatestReceipt)
	assert.Equal(t, receipts.StatusExecuted, resp.LatestReceipt.Status)

	w = operatorCall(t, h, http.MethodGet, "/v1/executions/exec-none", operatorToken(t, auth.RoleApprover), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bare map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&bare))
	assert.NotContains(t, bare, "latest_receipt")
}
