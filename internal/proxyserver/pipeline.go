package proxyserver

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayworks/agent-relay/internal/forward"
	"github.com/relayworks/agent-relay/internal/plugin"
	"github.com/relayworks/agent-relay/internal/requestid"
)

// maxRequestBody bounds inbound request buffering. Agent API requests are
// JSON documents, not uploads.
const maxRequestBody = 32 << 20

// handleProxy is the catch-all: every inbound request runs the interceptor
// phases in order, streams from the upstream, and terminates with a
// completion or error phase. Hook execution is strictly sequential on the
// request goroutine.
func (s *Server) handleProxy(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.GetString(requestid.HeaderKey)
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, requestID, err)
		return
	}

	pc := &plugin.ProxyContext{
		RequestID: requestID,
		SessionID: s.cfg.Session.ID,
		AgentName: s.cfg.Agent.Name,
		Provider:  s.provider.Name,
		Method:    c.Request.Method,
		URL:       c.Request.URL.RequestURI(),
		Headers:   c.Request.Header.Clone(),
		Body:      body,
		Metadata:  map[string]any{},
	}

	s.chain.RunRequest(ctx, pc)
	if reason, blocked := pc.Blocked(); blocked {
		// A blocked request is answered locally with a synthetic success so
		// the agent keeps running; the upstream is never contacted.
		c.JSON(http.StatusOK, gin.H{
			"blocked":   true,
			"reason":    reason,
			"requestId": requestID,
		})
		return
	}

	creds, err := s.creds.Get(ctx)
	if err != nil && s.provider.SSORequired {
		authErr := &AuthError{Provider: s.provider.Name, Reason: "SSO session cookie unavailable"}
		s.chain.RunError(ctx, pc, authErr)
		writeError(c, requestID, authErr)
		return
	}

	pc.TargetURL = s.provider.BaseURL + pc.URL
	resp, err := s.fwd.Forward(ctx, &forward.Request{
		Method:      pc.Method,
		URL:         pc.TargetURL,
		Headers:     pc.Headers,
		Body:        pc.Body,
		Credentials: creds,
		Integration: s.provider.Integration,
	})
	if err != nil {
		netErr := &NetworkError{Err: err}
		s.logger.Debugf("upstream request failed: %v (request_id=%s)", err, requestID)
		s.chain.RunError(ctx, pc, netErr)
		writeError(c, requestID, netErr)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Header phase runs before the first body byte reaches the client.
	s.chain.RunResponseHeaders(ctx, pc, resp.StatusCode, resp.Header)
	c.Set("relay.upstream_status", resp.StatusCode)

	for k, vals := range resp.Header {
		if forward.IsHopByHop(k) {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	written, streamErr := s.fwd.PipeResponse(c.Writer, resp.Body, func(chunk []byte) ([]byte, bool) {
		return s.chain.RunChunk(ctx, pc, chunk)
	})
	c.Set("relay.bytes_sent", written)

	if streamErr != nil {
		if isClientDisconnectErr(streamErr) || ctx.Err() != nil {
			// Normal termination: release the upstream socket immediately and
			// never attempt an error response on the dead connection.
			_ = resp.Body.Close()
			s.logger.Debugf("client disconnected mid-stream after %d bytes (request_id=%s)", written, requestID)
		} else {
			// Headers already went out; all we can do is log and notify.
			s.logger.Warnf("stream relay failed after %d bytes: %v (request_id=%s)", written, streamErr, requestID)
			s.chain.RunError(ctx, pc, streamErr)
		}
	}

	s.chain.RunComplete(ctx, pc, &plugin.ResponseMetadata{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		BytesSent:  written,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
