// Package interceptors holds the built-in proxy plugins: request/response
// logging and the periodic metrics sync.
package interceptors

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/plugin"
	"github.com/relayworks/agent-relay/internal/taskqueue"
)

// LoggingID identifies the logging interceptor in chain output and logs.
const LoggingID = "logging"

// previewLines bounds how many leading and trailing SSE lines the
// completion summary keeps.
const previewLines = 10

// metaLoggingState keys the per-request stream state in ProxyContext
// metadata; the interceptor instance itself is shared across requests.
const metaLoggingState = "logging.state"

// allowedHeaderPrefix is the only header namespace logged verbatim. Auth
// and cookie headers never reach the log.
const allowedHeaderPrefix = "x-agent-"

// LoggingDescriptor declares the logging plugin. The factory opts out when
// the config disables it.
func LoggingDescriptor(priority int) plugin.Descriptor {
	return plugin.Descriptor{
		ID:       LoggingID,
		Priority: priority,
		Factory: func(ctx context.Context, env *plugin.Env) (plugin.Interceptor, error) {
			if env.Config != nil && env.Config.Plugins.Logging.Disabled {
				return nil, plugin.Skip("disabled by config")
			}
			progressEvery := 50
			bodyCap := 1 << 20
			if env.Config != nil {
				if v := env.Config.Logging.ChunkProgressEvery; v > 0 {
					progressEvery = v
				}
				if v := env.Config.Logging.BodyLogMaxBytes; v > 0 {
					bodyCap = v
				}
			}
			return &LoggingInterceptor{
				logger:        env.Logger,
				tasks:         env.Tasks,
				progressEvery: progressEvery,
				bodyCap:       bodyCap,
			}, nil
		},
	}
}

// LoggingInterceptor logs each proxied exchange: the request with an
// allow-listed header subset, response headers before the first body byte,
// periodic chunk progress, and a completion summary analyzed off the hot
// path on the background task queue.
type LoggingInterceptor struct {
	logger        *logx.Logger
	tasks         *taskqueue.Queue
	progressEvery int
	bodyCap       int
}

func (l *LoggingInterceptor) ID() string { return LoggingID }

// streamState accumulates one request's response stream counters. SSE
// streams are tracked line by line with bounded head/tail previews so a
// long stream never buffers fully; other bodies buffer up to bodyCap.
type streamState struct {
	start       time.Time
	status      int
	contentType string
	sse         bool

	bytes  int64
	chunks int

	lineCount  int
	eventCount int
	headLines  []string
	tailLines  []string
	partial    []byte

	body      bytes.Buffer
	truncated bool
}

func (l *LoggingInterceptor) OnRequest(ctx context.Context, pc *plugin.ProxyContext) error {
	if pc.Metadata == nil {
		pc.Metadata = map[string]any{}
	}
	pc.Metadata[metaLoggingState] = &streamState{start: time.Now()}

	fields := map[string]any{
		"request_id": pc.RequestID,
		"method":     pc.Method,
		"url":        pc.URL,
		"headers":    formatAllowedHeaders(pc.Headers),
	}
	if len(pc.Body) > 0 {
		fields["body"] = renderBody(pc.Headers.Get("Content-Type"), pc.Body, l.bodyCap)
	}
	l.logger.Log(logx.LevelInfo, "proxy request", fields)
	return nil
}

func (l *LoggingInterceptor) OnResponseHeaders(ctx context.Context, pc *plugin.ProxyContext, status int, headers http.Header) error {
	st := l.state(pc)
	ct := headers.Get("Content-Type")
	if st != nil {
		st.status = status
		st.contentType = ct
		st.sse = strings.Contains(strings.ToLower(ct), "text/event-stream")
	}
	// Logged before any body byte streams so aborted transfers still leave
	// a trail.
	l.logger.Log(logx.LevelInfo, "upstream responded", map[string]any{
		"request_id":   pc.RequestID,
		"status":       status,
		"content_type": ct,
	})
	return nil
}

// OnChunk observes only: the returned slice is always the input, so a
// later interceptor (and the client) sees exactly what the upstream sent.
func (l *LoggingInterceptor) OnChunk(ctx context.Context, pc *plugin.ProxyContext, chunk []byte) ([]byte, error) {
	st := l.state(pc)
	if st == nil {
		return chunk, nil
	}
	st.bytes += int64(len(chunk))
	st.chunks++
	if st.sse {
		st.scanLines(chunk)
	} else if st.body.Len() < l.bodyCap {
		remain := l.bodyCap - st.body.Len()
		if len(chunk) > remain {
			st.body.Write(chunk[:remain])
			st.truncated = true
		} else {
			st.body.Write(chunk)
		}
	} else {
		st.truncated = true
	}
	if l.progressEvery > 0 && st.chunks%l.progressEvery == 0 {
		l.logger.Log(logx.LevelDebug, "stream progress", map[string]any{
			"request_id": pc.RequestID,
			"chunks":     st.chunks,
			"bytes":      st.bytes,
		})
	}
	return chunk, nil
}

func (l *LoggingInterceptor) OnResponseComplete(ctx context.Context, pc *plugin.ProxyContext, meta *plugin.ResponseMetadata) error {
	st := l.state(pc)
	if st == nil {
		return nil
	}
	st.flushPartial()
	requestID := pc.RequestID

	analyze := func() { l.logSummary(requestID, st, meta) }
	if l.tasks == nil || !l.tasks.Enqueue(analyze) {
		// Queue full or absent: the summary is still worth having.
		analyze()
	}
	return nil
}

func (l *LoggingInterceptor) OnError(ctx context.Context, pc *plugin.ProxyContext, err error) {
	l.logger.Log(logx.LevelError, "proxy request failed", map[string]any{
		"request_id": pc.RequestID,
		"method":     pc.Method,
		"url":        pc.URL,
		"error":      err.Error(),
	})
}

func (l *LoggingInterceptor) state(pc *plugin.ProxyContext) *streamState {
	st, _ := pc.Metadata[metaLoggingState].(*streamState)
	return st
}

// logSummary classifies the finished body: SSE streams are summarized with
// an event count and bounded previews, JSON is re-rendered compact, and
// everything else logs raw up to the cap.
func (l *LoggingInterceptor) logSummary(requestID string, st *streamState, meta *plugin.ResponseMetadata) {
	fields := map[string]any{
		"request_id":  requestID,
		"status":      st.status,
		"bytes":       st.bytes,
		"chunks":      st.chunks,
		"duration_ms": time.Since(st.start).Milliseconds(),
	}
	if meta != nil {
		fields["status"] = meta.StatusCode
		fields["duration_ms"] = meta.DurationMs
	}

	switch {
	case st.sse:
		fields["event_count"] = st.eventCount
		fields["line_count"] = st.lineCount
		fields["head"] = strconv.Quote(strings.Join(st.headLines, "\n"))
		fields["tail"] = strconv.Quote(strings.Join(st.tailLines, "\n"))
	default:
		fields["body"] = renderBody(st.contentType, st.body.Bytes(), l.bodyCap)
		if st.truncated {
			fields["body_truncated"] = true
		}
	}
	l.logger.Log(logx.LevelInfo, "response complete", fields)
}

// scanLines folds a chunk into the line counters, keeping the first and
// last previewLines complete lines and counting SSE data events.
func (st *streamState) scanLines(chunk []byte) {
	data := chunk
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			st.partial = append(st.partial, data...)
			return
		}
		line := data[:i]
		if len(st.partial) > 0 {
			line = append(st.partial, line...)
			st.partial = nil
		}
		st.observeLine(string(line))
		data = data[i+1:]
	}
}

// flushPartial accounts for a final line without a trailing newline.
func (st *streamState) flushPartial() {
	if len(st.partial) == 0 {
		return
	}
	st.observeLine(string(st.partial))
	st.partial = nil
}

func (st *streamState) observeLine(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	st.lineCount++
	if strings.HasPrefix(line, "data:") {
		st.eventCount++
	}
	if len(st.headLines) < previewLines {
		st.headLines = append(st.headLines, line)
	}
	st.tailLines = append(st.tailLines, line)
	if len(st.tailLines) > previewLines {
		st.tailLines = st.tailLines[1:]
	}
}

// formatAllowedHeaders renders only the x-agent-* namespace plus the two
// content framing headers. Everything else is dropped, not masked.
func formatAllowedHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return ""
	}
	var parts []string
	for name, vals := range headers {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, allowedHeaderPrefix) &&
			lower != "content-type" && lower != "content-length" {
			continue
		}
		parts = append(parts, lower+":"+strings.Join(vals, ","))
	}
	if len(parts) == 0 {
		return ""
	}
	// Deterministic output regardless of map order.
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// renderBody prefers compact JSON when the body parses; otherwise the raw
// bytes, quoted and truncated past the cap.
func renderBody(contentType string, body []byte, limit int) string {
	if len(body) == 0 {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			if compact, err := json.Marshal(parsed); err == nil {
				return truncate(string(compact), limit)
			}
		}
	}
	return strconv.Quote(truncate(string(body), limit))
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}
