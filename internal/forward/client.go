// Package forward streams requests to the upstream LLM API over pooled
// keep-alive connections and relays responses without full buffering.
package forward

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayworks/agent-relay/internal/credentials"
	"github.com/relayworks/agent-relay/internal/logx"
)

// IntegrationHeader optionally selects a gateway integration upstream.
const IntegrationHeader = "X-Relay-Integration"

// hop-by-hop headers are never forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHop reports whether a header must not be forwarded.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// Request is one upstream exchange.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Credentials carry the SSO cookie injected into the forwarded request.
	Credentials credentials.Credentials
	// Integration, when non-empty, is sent as the integration-selector
	// header.
	Integration string
}

// Client forwards requests on a shared keep-alive pool capped per host.
// The overall client timeout is deliberately zero: legitimate completions
// can stream for minutes, so the configured timeout is advisory only - it
// logs a warning and never aborts the socket.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	advisory  time.Duration
	logger    *logx.Logger
}

func New(maxConnsPerHost int, advisory time.Duration, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.Default()
	}
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 10
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpc: &http.Client{
			Timeout:   0,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		advisory:  advisory,
		logger:    logger,
	}
}

// Forward sends the request and returns the live upstream response. The
// caller owns resp.Body; closing it releases the pooled connection and
// disarms the advisory watchdog.
func (c *Client) Forward(ctx context.Context, r *Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}

	for k, vals := range r.Headers {
		if IsHopByHop(k) || strings.EqualFold(k, "host") {
			continue
		}
		// The inbound Cookie is replaced by the injected SSO cookie below.
		if strings.EqualFold(k, "cookie") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if cookie := strings.TrimSpace(r.Credentials.Cookie); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if r.Integration != "" {
		req.Header.Set(IntegrationHeader, r.Integration)
	}

	var watchdog *time.Timer
	if c.advisory > 0 {
		url := r.URL
		advisory := c.advisory
		watchdog = time.AfterFunc(advisory, func() {
			c.logger.Warnf("upstream exchange exceeded advisory timeout %s, not aborting: %s", advisory, url)
		})
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if watchdog != nil {
			watchdog.Stop()
		}
		return nil, err
	}
	if watchdog != nil {
		resp.Body = &watchdogBody{ReadCloser: resp.Body, timer: watchdog}
	}
	return resp, nil
}

// ChunkFunc transforms one streamed chunk; the bool reports whether the
// returned bytes should be forwarded downstream.
type ChunkFunc func(chunk []byte) ([]byte, bool)

// PipeResponse relays src to dst chunk by chunk with backpressure: each
// read waits for the previous write to complete, so a slow client never
// causes unbounded buffering. Flushes after every chunk so SSE events
// reach the client immediately.
func (c *Client) PipeResponse(dst io.Writer, src io.Reader, onChunk ChunkFunc) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			out := buf[:n]
			forward := true
			if onChunk != nil {
				out, forward = onChunk(out)
			}
			if forward && len(out) > 0 {
				m, werr := dst.Write(out)
				written += int64(m)
				if werr != nil {
					return written, werr
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// CloseIdleConnections releases the pooled connections.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

type watchdogBody struct {
	io.ReadCloser
	timer *time.Timer
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}
