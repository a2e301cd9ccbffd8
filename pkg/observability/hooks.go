package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/gatekeeper/pkg/confidence"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
	"github.com/Mindburn-Labs/gatekeeper/pkg/receipts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/skills"
)

var _ execution.Observer = (*Provider)(nil)

func (p *Provider) GateDecided(ctx context.Context, decision skills.Decision) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(decision))))
}

func (p *Provider) RegressionDetected(ctx context.Context, severity confidence.Severity) {
	p.regress.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", string(severity))))
}

func (p *Provider) ExecutionFinished(ctx context.Context, status execution.Status) {
	p.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

type countingSink struct {
	next execution.ReceiptSink
	p    *Provider
}

// CountReceipts wraps next so every appended receipt is counted by status.
func (p *Provider) CountReceipts(next execution.ReceiptSink) execution.ReceiptSink {
	return countingSink{next: next, p: p}
}

func (s countingSink) Append(ctx context.Context, r receipts.Receipt) (receipts.Receipt, error) {
	out, err := s.next.Append(ctx, r)
	if err == nil {
		s.p.receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
	}
	return out, err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware traces each request and records RED metrics keyed by the chi
// route pattern, so ids in paths do not explode cardinality.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.tracer.Start(r.Context(), r.Method+" request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(rec.status)),
		)
		p.requests.Add(ctx, 1, attrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		if rec.status >= http.StatusInternalServerError {
			p.errors.Add(ctx, 1, attrs)
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
