// Package problem writes RFC 7807 Problem Detail error responses.
package problem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

// Detail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type Detail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the stable machine-readable error code.
	Code string `json:"code,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Reasons lists policy reasons on a denial.
	Reasons any `json:"reasons,omitempty"`
}

func (p *Detail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// Write writes a problem response. r may be nil.
func Write(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	WriteDetail(w, r, &Detail{Status: status, Code: code, Detail: detail})
}

// WriteDetail fills in Type, Title, Instance and TraceID and writes p.
func WriteDetail(w http.ResponseWriter, r *http.Request, p *Detail) {
	p.Type = fmt.Sprintf("https://gatekeeper.dev/errors/%d", p.Status)
	p.Title = http.StatusText(p.Status)
	p.TraceID = w.Header().Get("X-Request-ID")
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// FromError classifies err with the fault taxonomy. Unclassified errors are
// logged and reported as a generic 500; their text never reaches the client.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		Internal(w, r, err)
		return
	}
	Write(w, r, status, fault.Code(err), err.Error())
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusBadRequest, "BAD_REQUEST", detail)
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	Write(w, r, http.StatusUnauthorized, "AUTHENTICATION_FAILED", detail)
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	Write(w, r, http.StatusForbidden, "FORBIDDEN", detail)
}

// TooManyRequests writes a 429 with Retry-After.
func TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	Write(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Retry after the specified interval.")
}

// Internal logs err and writes a sanitized 500.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	slog.ErrorContext(ctx, "internal server error", "error", err)
	Write(w, r, http.StatusInternalServerError, "INTERNAL", "An unexpected error occurred. Please try again later.")
}
