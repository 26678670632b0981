package plugin

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

// recorder implements every hook and appends "<id>.<phase>" to a shared
// trace so ordering across interceptors is observable.
type recorder struct {
	id    string
	trace *[]string
	drop  bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) OnRequest(ctx context.Context, pc *ProxyContext) error {
	*r.trace = append(*r.trace, r.id+".request")
	return nil
}

func (r *recorder) OnResponseHeaders(ctx context.Context, pc *ProxyContext, status int, headers http.Header) error {
	*r.trace = append(*r.trace, r.id+".headers")
	return nil
}

func (r *recorder) OnChunk(ctx context.Context, pc *ProxyContext, chunk []byte) ([]byte, error) {
	*r.trace = append(*r.trace, r.id+".chunk:"+string(chunk))
	if r.drop {
		return nil, nil
	}
	return chunk, nil
}

func (r *recorder) OnResponseComplete(ctx context.Context, pc *ProxyContext, meta *ResponseMetadata) error {
	*r.trace = append(*r.trace, r.id+".complete")
	return nil
}

func (r *recorder) OnError(ctx context.Context, pc *ProxyContext, err error) {
	*r.trace = append(*r.trace, r.id+".error")
}

func (r *recorder) Shutdown(ctx context.Context) error {
	*r.trace = append(*r.trace, r.id+".shutdown")
	return nil
}

func factoryFor(it Interceptor, err error) Factory {
	return func(ctx context.Context, env *Env) (Interceptor, error) {
		if err != nil {
			return nil, err
		}
		return it, nil
	}
}

func TestBuildSortsAscendingByPriority(t *testing.T) {
	var trace []string
	descs := []Descriptor{
		{ID: "c", Priority: 30, Factory: factoryFor(&recorder{id: "c", trace: &trace}, nil)},
		{ID: "a", Priority: 10, Factory: factoryFor(&recorder{id: "a", trace: &trace}, nil)},
		{ID: "b", Priority: 20, Factory: factoryFor(&recorder{id: "b", trace: &trace}, nil)},
	}
	chain := Build(context.Background(), &Env{}, descs)

	ids := chain.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("unexpected order: %v", ids)
	}

	pc := &ProxyContext{RequestID: "r1"}
	chain.RunRequest(context.Background(), pc)
	want := []string{"a.request", "b.request", "c.request"}
	for i, w := range want {
		if trace[i] != w {
			t.Fatalf("hook order broken: %v", trace)
		}
	}
}

func TestBuildPhaseOrderingAcrossPhases(t *testing.T) {
	var trace []string
	descs := []Descriptor{
		{ID: "b", Priority: 2, Factory: factoryFor(&recorder{id: "b", trace: &trace}, nil)},
		{ID: "a", Priority: 1, Factory: factoryFor(&recorder{id: "a", trace: &trace}, nil)},
	}
	chain := Build(context.Background(), &Env{}, descs)
	ctx := context.Background()
	pc := &ProxyContext{RequestID: "r1"}

	chain.RunRequest(ctx, pc)
	chain.RunResponseHeaders(ctx, pc, 200, http.Header{})
	chain.RunChunk(ctx, pc, []byte("x"))
	chain.RunComplete(ctx, pc, &ResponseMetadata{})

	want := []string{
		"a.request", "b.request",
		"a.headers", "b.headers",
		"a.chunk:x", "b.chunk:x",
		"a.complete", "b.complete",
	}
	if len(trace) != len(want) {
		t.Fatalf("unexpected trace: %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("phase ordering broken at %d: %v", i, trace)
		}
	}
}

func TestBuildSkipsOptedOutFactory(t *testing.T) {
	var trace []string
	descs := []Descriptor{
		{ID: "skipped", Priority: 1, Factory: factoryFor(nil, Skip("no session id"))},
		{ID: "broken", Priority: 2, Factory: factoryFor(nil, errors.New("boom"))},
		{ID: "ok", Priority: 3, Factory: factoryFor(&recorder{id: "ok", trace: &trace}, nil)},
	}
	chain := Build(context.Background(), &Env{}, descs)
	if ids := chain.IDs(); len(ids) != 1 || ids[0] != "ok" {
		t.Fatalf("opt-out not skipped: %v", ids)
	}
}

func TestRunChunkDropStillObservedByLaterHooks(t *testing.T) {
	var trace []string
	descs := []Descriptor{
		{ID: "dropper", Priority: 1, Factory: factoryFor(&recorder{id: "dropper", trace: &trace, drop: true}, nil)},
		{ID: "logger", Priority: 2, Factory: factoryFor(&recorder{id: "logger", trace: &trace}, nil)},
	}
	chain := Build(context.Background(), &Env{}, descs)

	out, forward := chain.RunChunk(context.Background(), &ProxyContext{}, []byte("payload"))
	if forward {
		t.Fatal("dropped chunk must not be forwarded")
	}
	if string(out) != "payload" {
		t.Fatalf("unexpected surviving bytes: %q", out)
	}
	// The later hook still saw the chunk.
	if trace[len(trace)-1] != "logger.chunk:payload" {
		t.Fatalf("later hook did not observe dropped chunk: %v", trace)
	}
}

func TestRunChunkTransform(t *testing.T) {
	upper := &transformer{}
	descs := []Descriptor{
		{ID: "xform", Priority: 1, Factory: factoryFor(upper, nil)},
	}
	chain := Build(context.Background(), &Env{}, descs)
	out, forward := chain.RunChunk(context.Background(), &ProxyContext{}, []byte("abc"))
	if !forward || string(out) != "abc!" {
		t.Fatalf("transform not applied: %q forward=%v", out, forward)
	}
}

type transformer struct{}

func (t *transformer) ID() string { return "xform" }

func (t *transformer) OnChunk(ctx context.Context, pc *ProxyContext, chunk []byte) ([]byte, error) {
	return append(append([]byte{}, chunk...), '!'), nil
}

func TestBlockedMetadata(t *testing.T) {
	pc := &ProxyContext{}
	if _, ok := pc.Blocked(); ok {
		t.Fatal("fresh context must not be blocked")
	}
	pc.Block("policy")
	reason, ok := pc.Blocked()
	if !ok || reason != "policy" {
		t.Fatalf("unexpected blocked state: %q %v", reason, ok)
	}
}
