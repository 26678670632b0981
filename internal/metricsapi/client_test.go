package metricsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayworks/agent-relay/internal/metrics"
)

func testMetric() *metrics.SessionMetric {
	return &metrics.SessionMetric{
		Name: metrics.MetricName,
		Attributes: metrics.SessionAttributes{
			GitBranch:    "main",
			InputTokens:  130,
			OutputTokens: 60,
		},
	}
}

func newTestClient(baseURL string) *Client {
	c := New(baseURL, "session=abc", "agent-relay-cli", nil)
	c.backoff = time.Millisecond
	return c
}

func TestSendMetricSuccess(t *testing.T) {
	var gotBody metrics.SessionMetric
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/metrics" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Cookie") != "session=abc" {
			t.Errorf("missing cookie header: %q", r.Header.Get("Cookie"))
		}
		if r.Header.Get("X-Client-Type") != "agent-relay-cli" {
			t.Errorf("missing client type header: %q", r.Header.Get("X-Client-Type"))
		}
		if ua := r.Header.Get("User-Agent"); ua == "" || ua == "Go-http-client/1.1" {
			t.Errorf("missing version user agent: %q", ua)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	res, err := newTestClient(srv.URL).SendMetric(context.Background(), testMetric())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotBody.Name != metrics.MetricName || gotBody.Attributes.GitBranch != "main" {
		t.Fatalf("unexpected posted body: %+v", gotBody)
	}
}

func TestSendMetricRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	res, err := newTestClient(srv.URL).SendMetric(context.Background(), testMetric())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, calls=%d", calls.Load())
	}
}

func TestSendMetricDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"sso_expired","message":"session cookie expired","help":"re-run login"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(srv.URL).SendMetric(context.Background(), testMetric())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != "sso_expired" || apiErr.Help != "re-run login" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, calls=%d", calls.Load())
	}
}

func TestSendMetricGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(srv.URL).SendMetric(context.Background(), testMetric())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("unexpected attempt count: %d", calls.Load())
	}
}
