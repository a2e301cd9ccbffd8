package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPToolSchema is the params schema of HTTPDispatcher tools.
const HTTPToolSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string"},
		"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
		"body": {}
	},
	"required": ["url"]
}`

const maxResponseBytes = 1 << 20

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPDispatcher performs {url, method, body} calls. It does no destination
// checks of its own; put it behind a Firewall and give it a client from
// ssrf.NewHTTPClient so resolved addresses are checked as well.
type HTTPDispatcher struct {
	Client Doer
}

// HTTPResult is what an HTTP tool call returns.
type HTTPResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

func (d HTTPDispatcher) Dispatch(ctx context.Context, tool string, params map[string]any) (any, error) {
	target, _ := params["url"].(string)
	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := params["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode body: %w", tool, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("tool %s: read response: %w", tool, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool %s: %s responded %d", tool, method, resp.StatusCode)
	}

	out := HTTPResult{Status: resp.StatusCode}
	if json.Valid(data) {
		out.Body = data
	} else {
		out.Text = string(data)
	}
	return out, nil
}
