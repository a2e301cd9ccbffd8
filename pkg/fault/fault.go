// Package fault defines the error taxonomy shared by the gate, the state machine
// and the HTTP boundary.
//
// Every error surfaced by the core wraps exactly one of the sentinels below so
// callers classify failures with errors.Is rather than by message.
package fault

import (
	"errors"
	"net/http"
)

var (
	// ErrAuthentication is returned for a missing or invalid request signature,
	// or when the signing secret is not configured.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPolicyDenied is returned when a requested skill is revoked or disabled.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrStaleAuthorization is returned when the plan hash or skills lock recorded
	// with an approval no longer matches the current values.
	ErrStaleAuthorization = errors.New("stale authorization")

	// ErrGuardBlocked is returned when the SSRF guard rejects a destination.
	ErrGuardBlocked = errors.New("guard blocked")

	// ErrNotFound is returned for credential and record lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrCorruptedState is returned when persisted state cannot be decrypted,
	// decoded or validated. It requires manual intervention.
	ErrCorruptedState = errors.New("corrupted state")

	// ErrRejected is returned for any entry point reached after a terminal rejection.
	ErrRejected = errors.New("execution rejected")

	// ErrPaymentRequired is returned when an inbound action lacks confirmed payment.
	ErrPaymentRequired = errors.New("payment not confirmed")

	// ErrConflict is returned when an execution id is already in use or the
	// execution has already completed.
	ErrConflict = errors.New("conflict")
)

// HTTPStatus maps a core error to the status code the API layer reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrPolicyDenied), errors.Is(err, ErrGuardBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStaleAuthorization), errors.Is(err, ErrRejected), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCorruptedState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "AUTHENTICATION_FAILED"
	case errors.Is(err, ErrPaymentRequired):
		return "PAYMENT_REQUIRED"
	case errors.Is(err, ErrPolicyDenied):
		return "POLICY_DENIED"
	case errors.Is(err, ErrGuardBlocked):
		return "GUARD_BLOCKED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStaleAuthorization):
		return "STALE_AUTHORIZATION"
	case errors.Is(err, ErrRejected):
		return "REJECTED"
	case errors.Is(err, ErrCorruptedState):
		return "CORRUPTED_STATE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}
