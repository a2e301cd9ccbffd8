package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) Detail {
	t.Helper()
	var p Detail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWrite_ContentTypeAndFields(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	r := httptest.NewRequest(http.MethodPost, "/v1/actions", nil)
	BadRequest(w, r, "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	p := decode(t, w)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "field is missing", p.Detail)
	assert.Equal(t, "/v1/actions", p.Instance)
	assert.Equal(t, "req-1", p.TraceID)
}

func TestFromError_MapsTaxonomy(t *testing.T) {
	w := httptest.NewRecorder()
	FromError(w, nil, fmt.Errorf("resume: %w", fault.ErrStaleAuthorization))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STALE_AUTHORIZATION", decode(t, w).Code)

	w = httptest.NewRecorder()
	FromError(w, nil, fault.ErrPaymentRequired)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestFromError_SanitizesInternal(t *testing.T) {
	w := httptest.NewRecorder()
	FromError(w, nil, errors.New("pq: connection refused to host=10.0.0.1"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	p := decode(t, w)
	assert.NotContains(t, p.Detail, "10.0.0.1")
	assert.Equal(t, "INTERNAL", p.Code)
}

func TestTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	TooManyRequests(w, nil, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
