package plugin

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/relayworks/agent-relay/internal/logx"
)

// Chain holds the constructed interceptors with their hooks pre-resolved
// per phase, in ascending priority order. Hook execution within one request
// is strictly sequential in that order; a hook error is logged and never
// propagates, so one broken plugin cannot break the proxy or its siblings.
type Chain struct {
	logger *logx.Logger

	ids             []string
	requestHooks    []namedRequestHook
	headerHooks     []namedHeaderHook
	chunkHooks      []namedChunkHook
	completionHooks []namedCompletionHook
	errorHooks      []namedErrorHook
	shutdownHooks   []namedShutdownHook
}

type namedRequestHook struct {
	id   string
	hook RequestHook
}
type namedHeaderHook struct {
	id   string
	hook ResponseHeadersHook
}
type namedChunkHook struct {
	id   string
	hook ChunkHook
}
type namedCompletionHook struct {
	id   string
	hook CompletionHook
}
type namedErrorHook struct {
	id   string
	hook ErrorHook
}
type namedShutdownHook struct {
	id   string
	hook ShutdownHook
}

// Build attempts every descriptor's factory against the shared Env. A
// factory error is the plugin opting out: logged, skipped, never fatal.
// Constructed interceptors are sorted ascending by priority (stable for
// equal priorities) and their hooks discovered once.
func Build(ctx context.Context, env *Env, descriptors []Descriptor) *Chain {
	logger := env.Logger
	if logger == nil {
		logger = logx.Default()
	}

	sorted := make([]Descriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	c := &Chain{logger: logger}
	for _, d := range sorted {
		if d.Factory == nil {
			continue
		}
		it, err := d.Factory(ctx, env)
		if err != nil {
			var skip *SkipError
			if errors.As(err, &skip) {
				logger.Infof("plugin %s skipped: %s", d.ID, skip.Reason)
			} else {
				logger.Warnf("plugin %s failed to construct, skipping: %v", d.ID, err)
			}
			continue
		}
		c.register(d.ID, it)
	}
	return c
}

func (c *Chain) register(id string, it Interceptor) {
	if v := it.ID(); v != "" {
		id = v
	}
	c.ids = append(c.ids, id)
	if h, ok := it.(RequestHook); ok {
		c.requestHooks = append(c.requestHooks, namedRequestHook{id, h})
	}
	if h, ok := it.(ResponseHeadersHook); ok {
		c.headerHooks = append(c.headerHooks, namedHeaderHook{id, h})
	}
	if h, ok := it.(ChunkHook); ok {
		c.chunkHooks = append(c.chunkHooks, namedChunkHook{id, h})
	}
	if h, ok := it.(CompletionHook); ok {
		c.completionHooks = append(c.completionHooks, namedCompletionHook{id, h})
	}
	if h, ok := it.(ErrorHook); ok {
		c.errorHooks = append(c.errorHooks, namedErrorHook{id, h})
	}
	if h, ok := it.(ShutdownHook); ok {
		c.shutdownHooks = append(c.shutdownHooks, namedShutdownHook{id, h})
	}
}

// IDs returns the constructed interceptor ids in execution order.
func (c *Chain) IDs() []string { return c.ids }

// RunRequest executes the request phase. Interceptors may Block the
// request; the caller checks pc.Blocked afterwards.
func (c *Chain) RunRequest(ctx context.Context, pc *ProxyContext) {
	for _, h := range c.requestHooks {
		if err := h.hook.OnRequest(ctx, pc); err != nil {
			c.logger.Warnf("plugin %s onRequest failed: %v (request_id=%s)", h.id, err, pc.RequestID)
		}
	}
}

// RunResponseHeaders executes the header phase before any body byte is
// forwarded.
func (c *Chain) RunResponseHeaders(ctx context.Context, pc *ProxyContext, status int, headers http.Header) {
	for _, h := range c.headerHooks {
		if err := h.hook.OnResponseHeaders(ctx, pc, status, headers); err != nil {
			c.logger.Warnf("plugin %s onResponseHeaders failed: %v (request_id=%s)", h.id, err, pc.RequestID)
		}
	}
}

// RunChunk threads one body chunk through every chunk hook in priority
// order. A hook returning nil drops the chunk from forwarding while later
// hooks still observe the bytes. Returns the bytes to forward and whether
// to forward at all.
func (c *Chain) RunChunk(ctx context.Context, pc *ProxyContext, chunk []byte) ([]byte, bool) {
	cur := chunk
	forward := true
	for _, h := range c.chunkHooks {
		out, err := h.hook.OnChunk(ctx, pc, cur)
		if err != nil {
			c.logger.Warnf("plugin %s onChunk failed: %v (request_id=%s)", h.id, err, pc.RequestID)
			continue
		}
		if out == nil {
			forward = false
			continue
		}
		cur = out
	}
	return cur, forward
}

// RunComplete executes the completion phase with the final response
// metadata.
func (c *Chain) RunComplete(ctx context.Context, pc *ProxyContext, meta *ResponseMetadata) {
	for _, h := range c.completionHooks {
		if err := h.hook.OnResponseComplete(ctx, pc, meta); err != nil {
			c.logger.Warnf("plugin %s onResponseComplete failed: %v (request_id=%s)", h.id, err, pc.RequestID)
		}
	}
}

// RunError routes a normalized pipeline error through the error hooks.
func (c *Chain) RunError(ctx context.Context, pc *ProxyContext, err error) {
	for _, h := range c.errorHooks {
		h.hook.OnError(ctx, pc, err)
	}
}

// Shutdown runs every shutdown hook best effort; errors are logged, never
// returned.
func (c *Chain) Shutdown(ctx context.Context) {
	for _, h := range c.shutdownHooks {
		if err := h.hook.Shutdown(ctx); err != nil {
			c.logger.Warnf("plugin %s shutdown failed: %v", h.id, err)
		}
	}
}
