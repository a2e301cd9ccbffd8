package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
)

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Forwarder posts {receipt_id, payload} to a webhook in the background.
// Delivery failures are logged and never reach the caller.
type Forwarder struct {
	url     string
	client  Doer
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewForwarder uses client as is.
func NewForwarder(rawURL string, client Doer) *Forwarder {
	return &Forwarder{
		url:     rawURL,
		client:  client,
		timeout: 10 * time.Second,
		log:     slog.Default().With("component", "webhook"),
	}
}

// NewGuardedForwarder checks rawURL against policy and delivers through a
// client that re-checks every request and every resolved address.
func NewGuardedForwarder(rawURL string, policy ssrf.Policy, timeout time.Duration) (*Forwarder, error) {
	if err := ssrf.AssertURLSafe(rawURL, policy); err != nil {
		return nil, fmt.Errorf("webhook url: %w", err)
	}
	f := NewForwarder(rawURL, ssrf.NewHTTPClient(policy, timeout))
	f.timeout = timeout
	return f, nil
}

type webhookBody struct {
	ReceiptID string          `json:"receipt_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Forward schedules delivery and returns immediately.
func (f *Forwarder) Forward(receiptID string, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.deliver(ctx, webhookBody{ReceiptID: receiptID, Payload: payload}); err != nil {
			f.log.WarnContext(ctx, "webhook delivery failed", "receipt_id", receiptID, "error", err)
		}
	}()
}

func (f *Forwarder) deliver(ctx context.Context, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
