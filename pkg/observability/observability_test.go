package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	p, err := NewWithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return p, reader
}

// sums returns each counter's total keyed by "name" and "name|attr=value".
func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
				for _, kv := range dp.Attributes.ToSlice() {
					out[m.Name+"|"+string(kv.Key)+"="+kv.Value.Emit()] += dp.Value
				}
			}
		}
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gatekeeper", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are usable without export.
	p.GateDecided(context.Background(), skills.DecisionAllow)
	p.GuardBlocked(context.Background(), "SSRF_GUARD_BLOCKED")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestObserverCounters(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	var obs execution.Observer = p
	obs.GateDecided(ctx, skills.DecisionAllow)
	obs.GateDecided(ctx, skills.DecisionDeny)
	obs.GateDecided(ctx, skills.DecisionDeny)
	obs.RegressionDetected(ctx, confidence.SeverityMajor)
	obs.ExecutionFinished(ctx, execution.StatusCompleted)
	p.GuardBlocked(ctx, "HOST_NOT_ALLOWED")

	got := sums(t, reader)
	assert.Equal(t, int64(3), got["gatekeeper.gate.decisions"])
	assert.Equal(t, int64(2), got["gatekeeper.gate.decisions|decision=DENY"])
	assert.Equal(t, int64(1), got["gatekeeper.confidence.regressions|severity=MAJOR"])
	assert.Equal(t, int64(1), got["gatekeeper.executions.finished|status=COMPLETED"])
	assert.Equal(t, int64(1), got["gatekeeper.guard.blocks|code=HOST_NOT_ALLOWED"])
}

func TestCountReceipts(t *testing.T) {
	p, reader := newTestProvider(t)
	log, err := receipts.Open(filepath.Join(t.TempDir(), "r.ndjson"))
	require.NoError(t, err)
	defer func() { _ = log.Close() }()

	sink := p.CountReceipts(log)
	_, err = sink.Append(context.Background(), receipts.Receipt{TaskID: "t", Agent: "a", Action: "x", Status: receipts.StatusPending})
	require.NoError(t, err)
	_, err = sink.Append(context.Background(), receipts.Receipt{TaskID: "t", Agent: "a", Action: "x", Status: receipts.StatusExecuted})
	require.NoError(t, err)

	got := sums(t, reader)
	assert.Equal(t, int64(2), got["gatekeeper.receipts.appended"])
	assert.Equal(t, int64(1), got["gatekeeper.receipts.appended|status=Executed"])
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	p, reader := newTestProvider(t)
	r := chi.NewRouter()
	r.Use(p.Middleware)
	r.Get("/v1/executions/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) })

	for _, path := range []string{"/v1/executions/a", "/v1/executions/b", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := sums(t, reader)
	assert.Equal(t, int64(3), got["gatekeeper.http.requests"])
	assert.Equal(t, int64(2), got["gatekeeper.http.requests|http.route=/v1/executions/{id}"])
	assert.Equal(t, int64(1), got["gatekeeper.http.errors"])
}
