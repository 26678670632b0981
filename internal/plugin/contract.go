// Package plugin defines the interceptor contract and the registry that
// constructs and orders interceptors for the proxy's request pipeline.
package plugin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relayworks/agent-relay/internal/config"
	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/taskqueue"
)

// MetadataBlocked marks a request an interceptor refused; the pipeline
// answers it locally and never contacts the upstream.
const MetadataBlocked = "blocked"

// ProxyContext is the per-request transient state threaded through every
// hook. Created per request, discarded after.
type ProxyContext struct {
	RequestID string
	SessionID string
	AgentName string
	Profile   string
	Provider  string
	Model     string

	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// TargetURL is resolved after the request hooks ran.
	TargetURL string

	// Metadata is free-form interceptor scratch space.
	Metadata map[string]any
}

// Block marks the request blocked with a reason.
func (pc *ProxyContext) Block(reason string) {
	if pc.Metadata == nil {
		pc.Metadata = map[string]any{}
	}
	pc.Metadata[MetadataBlocked] = reason
}

// Blocked reports whether any interceptor blocked the request and returns
// the recorded reason.
func (pc *ProxyContext) Blocked() (string, bool) {
	v, ok := pc.Metadata[MetadataBlocked]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}

// ResponseMetadata is produced once streaming finishes.
type ResponseMetadata struct {
	StatusCode int
	Headers    http.Header
	BytesSent  int64
	DurationMs int64
}

// Interceptor is the minimal contract. All lifecycle hooks are optional:
// an interceptor opts into a phase by implementing the matching hook
// interface below. Capabilities are discovered once at registry build
// time, never re-checked per call.
type Interceptor interface {
	ID() string
}

// RequestHook runs before the upstream is contacted. It may mutate the
// context (headers, body, metadata) or call Block to short-circuit.
type RequestHook interface {
	OnRequest(ctx context.Context, pc *ProxyContext) error
}

// ResponseHeadersHook runs after upstream headers arrive and before any
// body byte reaches the client.
type ResponseHeadersHook interface {
	OnResponseHeaders(ctx context.Context, pc *ProxyContext, status int, headers http.Header) error
}

// ChunkHook observes or transforms each streamed body chunk. Returning a
// nil slice drops the chunk: it is not forwarded downstream but later
// hooks still observe the bytes.
type ChunkHook interface {
	OnChunk(ctx context.Context, pc *ProxyContext, chunk []byte) ([]byte, error)
}

// CompletionHook runs once the stream ended.
type CompletionHook interface {
	OnResponseComplete(ctx context.Context, pc *ProxyContext, meta *ResponseMetadata) error
}

// ErrorHook observes normalized pipeline errors.
type ErrorHook interface {
	OnError(ctx context.Context, pc *ProxyContext, err error)
}

// ShutdownHook runs at proxy stop, best effort.
type ShutdownHook interface {
	Shutdown(ctx context.Context) error
}

// Env is the immutable configuration snapshot handed to factories at
// startup.
type Env struct {
	Logger    *logx.Logger
	Tasks     *taskqueue.Queue
	SessionID string
	AgentName string
	Provider  string
	Config    *config.Config
}

// Factory constructs one interceptor. Returning an error wrapping Skip is
// the sanctioned way for a plugin to opt itself out when its preconditions
// are unmet; the registry logs and skips it, never propagates.
type Factory func(ctx context.Context, env *Env) (Interceptor, error)

// Descriptor declares one plugin to the registry.
type Descriptor struct {
	ID       string
	Priority int
	Factory  Factory
}

// SkipError signals an expected factory opt-out, not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "plugin skipped: " + e.Reason }

// Skip returns an opt-out error for a factory precondition.
func Skip(reason string) error { return &SkipError{Reason: reason} }
