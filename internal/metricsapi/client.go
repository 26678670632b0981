// Package metricsapi posts branch summaries to the remote metrics endpoint.
package metricsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/metrics"
	"github.com/relayworks/agent-relay/internal/version"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
	requestTimeout  = 30 * time.Second
)

// Result reports one successful send.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// APIError is a non-2xx response from the metrics endpoint.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Help    string `json:"help,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metrics api %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Client posts session metrics with fixed retry attempts and doubling
// backoff on transient failures. Authentication rides on the same SSO
// session cookie the proxy injects upstream, not a bearer token.
type Client struct {
	baseURL    string
	cookie     string
	clientType string
	httpc      *http.Client
	attempts   int
	backoff    time.Duration
	logger     *logx.Logger
}

func New(baseURL, cookie, clientType string, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		cookie:     cookie,
		clientType: clientType,
		httpc:      &http.Client{Timeout: requestTimeout},
		attempts:   defaultAttempts,
		backoff:    defaultBackoff,
		logger:     logger,
	}
}

// SendMetric posts one branch summary. Network errors and 5xx responses are
// retried; 4xx responses are returned immediately as an *APIError.
func (c *Client) SendMetric(ctx context.Context, m *metrics.SessionMetric) (*Result, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, retryable, err := c.post(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable || attempt == c.attempts {
			break
		}
		c.logger.Debugf("metrics send attempt %d/%d failed, retrying in %s: %v", attempt, c.attempts, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/metrics", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Client-Type", c.clientType)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out := &Result{Success: true}
		if len(bytes.TrimSpace(respBody)) > 0 {
			// Body is advisory; a 2xx with an unparsable body still counts.
			_ = json.Unmarshal(respBody, out)
			out.Success = true
		}
		return out, false, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Code = "metrics_api_error"
		apiErr.Message = strings.TrimSpace(string(respBody))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	return nil, resp.StatusCode >= 500, apiErr
}
