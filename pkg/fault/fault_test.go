package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{fmt.Errorf("sig: %w", ErrAuthentication), http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
		{fmt.Errorf("gate: %w", ErrPolicyDenied), http.StatusForbidden, "POLICY_DENIED"},
		{fmt.Errorf("resume: %w", ErrStaleAuthorization), http.StatusConflict, "STALE_AUTHORIZATION"},
		{fmt.Errorf("ssrf: %w", ErrGuardBlocked), http.StatusForbidden, "GUARD_BLOCKED"},
		{fmt.Errorf("vault: %w", ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("load: %w", ErrCorruptedState), http.StatusUnprocessableEntity, "CORRUPTED_STATE"},
		{ErrRejected, http.StatusConflict, "REJECTED"},
		{ErrPaymentRequired, http.StatusPaymentRequired, "PAYMENT_REQUIRED"},
		{fmt.Errorf("start: %w", ErrConflict), http.StatusConflict, "CONFLICT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, Code(tt.err), tt.err.Error())
	}
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}
