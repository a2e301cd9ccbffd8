// Package api is the HTTP boundary: signed inbound actions from agents and
// the operator endpoints that approve, reject and inspect executions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api/problem"
	"github.com/Mindburn-Labs/gatekeeper/pkg/auth"
	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/limiter"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
)

// Engine is the part of *execution.Engine the API drives.
type Engine interface {
	Start(ctx context.Context, req execution.Request) (*execution.Outcome, error)
	Approve(ctx context.Context, executionID string, a execution.Approval) (*execution.Outcome, error)
	Reject(ctx context.Context, executionID, reason string) (*execution.Outcome, error)
	Status(ctx context.Context, executionID string) (*execution.Outcome, error)
}

// ReceiptLookup finds the newest receipt for a task. *receipts.SQLIndex
// implements it.
type ReceiptLookup interface {
	Latest(ctx context.Context, taskID string) (*receipts.Receipt, error)
}

// Config wires a Server. Engine and Receipts are required.
type Config struct {
	Engine   Engine
	Receipts execution.ReceiptSink
	// ReceiptIndex is optional; with it execution status carries the
	// newest receipt for the execution.
	ReceiptIndex ReceiptLookup
	// Forwarder is optional; without it nothing is forwarded. Only actions
	// without a plan, or whose plan completed, are forwarded.
	Forwarder *Forwarder
	// SigningSecret authenticates inbound actions. Empty rejects them all.
	SigningSecret []byte
	// Operators authenticates approvers. Nil rejects every operator call.
	Operators *auth.Validator
	// Limiter is optional and applies to inbound actions.
	Limiter      limiter.Store
	RatePolicy   limiter.Policy
	MaxBodyBytes int64
	// Middlewares run outside every route, after request id assignment.
	Middlewares []func(http.Handler) http.Handler
	Logger      *slog.Logger
}

// Server serves the gatekeeper HTTP API.
type Server struct {
	cfg Config
	log *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, log: logger.With("component", "api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(s.cfg.Middlewares...)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(agents chi.Router) {
			if s.cfg.Limiter != nil {
				agents.Use(RateLimit(s.cfg.Limiter, s.cfg.RatePolicy))
			}
			agents.Post("/actions", s.handleAction)
		})
		v1.Group(func(ops chi.Router) {
			ops.Use(auth.RequireRole(s.cfg.Operators, auth.RoleApprover))
			ops.Get("/executions/{id}", s.handleStatus)
			ops.Post("/executions/{id}/approve", s.handleApprove)
			ops.Post("/executions/{id}/reject", s.handleReject)
		})
	})
	return r
}

// ActionRequest is the signed body of POST /v1/actions.
type ActionRequest struct {
	TaskID           string          `json:"task_id"`
	Agent            string          `json:"agent"`
	Action           string          `json:"action"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PaymentConfirmed bool            `json:"payment_confirmed"`
	// Plan, when present, is started through the approval gate.
	Plan *execution.Request `json:"plan,omitempty"`
}

// ActionResponse is returned with 202 Accepted.
type ActionResponse struct {
	ReceiptID string             `json:"receipt_id"`
	TaskID    string             `json:"task_id"`
	Status    receipts.Status    `json:"status"`
	Execution *execution.Outcome `json:"execution,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		problem.Write(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
		return
	}
	// Authenticate before looking at the body.
	if err := VerifySignature(s.cfg.SigningSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		s.log.WarnContext(r.Context(), "inbound action rejected", "reason", err.Error())
		problem.FromError(w, r, err)
		return
	}

	var req ActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		problem.BadRequest(w, r, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TaskID) == "" || strings.TrimSpace(req.Agent) == "" || strings.TrimSpace(req.Action) == "" {
		problem.BadRequest(w, r, "task_id, agent and action are required")
		return
	}
	if !req.PaymentConfirmed {
		problem.FromError(w, r, fault.ErrPaymentRequired)
		return
	}

	payloadHash, err := hashPayload(req.Payload)
	if err != nil {
		problem.BadRequest(w, r, "payload is not valid JSON")
		return
	}
	rc, err := s.cfg.Receipts.Append(r.Context(), receipts.Receipt{
		TaskID:      req.TaskID,
		Agent:       req.Agent,
		Action:      req.Action,
		Status:      receipts.StatusPending,
		PayloadHash: payloadHash,
	})
	if err != nil {
		problem.Internal(w, r, err)
		return
	}

	resp := ActionResponse{ReceiptID: rc.ReceiptID, TaskID: rc.TaskID, Status: rc.Status}
	if req.Plan != nil {
		out, err := s.cfg.Engine.Start(r.Context(), *req.Plan)
		if err != nil {
			s.appendStatus(r.Context(), rc, receipts.StatusFailed)
			s.writeEngineError(w, r, err)
			return
		}
		if out.Status == execution.StatusCompleted {
			if done, ok := s.appendStatus(r.Context(), rc, receipts.StatusExecuted); ok {
				resp.Status = done.Status
			}
		}
		resp.Execution = out
	}

	// A suspended or failed plan has not been approved; its payload stays inside.
	if s.cfg.Forwarder != nil && (resp.Execution == nil || resp.Execution.Status == execution.StatusCompleted) {
		s.cfg.Forwarder.Forward(rc.ReceiptID, req.Payload)
	}
	s.log.InfoContext(r.Context(), "action accepted", "receipt_id", rc.ReceiptID, "task_id", rc.TaskID, "action", rc.Action)
	writeJSON(w, http.StatusAccepted, resp)
}

// appendStatus records a status change for rc's task. Failures are logged.
func (s *Server) appendStatus(ctx context.Context, rc receipts.Receipt, status receipts.Status) (receipts.Receipt, bool) {
	next, err := s.cfg.Receipts.Append(ctx, receipts.Receipt{
		TaskID:      rc.TaskID,
		Agent:       rc.Agent,
		Action:      rc.Action,
		Status:      status,
		PayloadHash: rc.PayloadHash,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "receipt status not recorded", "task_id", rc.TaskID, "status", status, "error", err)
		return receipts.Receipt{}, false
	}
	return next, true
}

type approveBody struct {
	Note string `json:"note,omitempty"`
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body approveBody
	if err := decodeOptional(r, &body); err != nil {
		problem.BadRequest(w, r, "invalid JSON body")
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		problem.Unauthorized(w, r, "")
		return
	}
	out, err := s.cfg.Engine.Approve(r.Context(), id, execution.Approval{ApprovedBy: p.Subject})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.InfoContext(r.Context(), "approval handled", "execution_id", id, "approved_by", p.Subject, "status", out.Status)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body rejectBody
	if err := decodeOptional(r, &body); err != nil {
		problem.BadRequest(w, r, "invalid JSON body")
		return
	}
	out, err := s.cfg.Engine.Reject(r.Context(), id, body.Reason)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// StatusResponse is returned by GET /v1/executions/{id}.
type StatusResponse struct {
	*execution.Outcome
	LatestReceipt *receipts.Receipt `json:"latest_receipt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.cfg.Engine.Status(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := StatusResponse{Outcome: out}
	if s.cfg.ReceiptIndex != nil {
		latest, err := s.cfg.ReceiptIndex.Latest(r.Context(), id)
		if err != nil {
			s.log.WarnContext(r.Context(), "receipt lookup failed", "execution_id", id, "error", err)
		}
		resp.LatestReceipt = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError adds the gate's reasons to a policy denial.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *execution.DeniedError
	if errors.As(err, &denied) {
		problem.WriteDetail(w, r, &problem.Detail{
			Status:  http.StatusForbidden,
			Code:    fault.Code(err),
			Detail:  err.Error(),
			Reasons: denied.Reasons,
		})
		return
	}
	problem.FromError(w, r, err)
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func hashPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return canonicalize.HashBytes(nil), nil
	}
	return canonicalize.CanonicalHash(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
