package forward

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayworks/agent-relay/internal/credentials"
	"github.com/relayworks/agent-relay/internal/logx"
)

func TestForwardHeaderHandling(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := New(4, 0, nil)
	headers := http.Header{}
	headers.Set("Host", "original.example.com")
	headers.Set("Connection", "keep-alive")
	headers.Set("Transfer-Encoding", "chunked")
	headers.Set("Cookie", "client-cookie=should-be-replaced")
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Agent-Session", "s1")

	resp, err := c.Forward(context.Background(), &Request{
		Method:      http.MethodPost,
		URL:         srv.URL + "/v1/messages",
		Headers:     headers,
		Body:        []byte(`{"model":"m"}`),
		Credentials: credentials.Credentials{Cookie: "session=sso-cookie"},
		Integration: "coding-agent",
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	_ = resp.Body.Close()

	if got.Get("Cookie") != "session=sso-cookie" {
		t.Fatalf("sso cookie not injected: %q", got.Get("Cookie"))
	}
	if got.Get(IntegrationHeader) != "coding-agent" {
		t.Fatalf("integration header not set: %q", got.Get(IntegrationHeader))
	}
	if got.Get("Connection") != "" || got.Get("Transfer-Encoding") != "" {
		t.Fatalf("hop-by-hop headers forwarded: %v", got)
	}
	if got.Get("Content-Type") != "application/json" || got.Get("X-Agent-Session") != "s1" {
		t.Fatalf("regular headers lost: %v", got)
	}
}

func TestPipeResponseStreamsAndCounts(t *testing.T) {
	src := strings.NewReader("hello world, this is a stream")
	var dst bytes.Buffer

	c := New(4, 0, nil)
	n, err := c.PipeResponse(&dst, src, nil)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if n != int64(dst.Len()) || dst.String() != "hello world, this is a stream" {
		t.Fatalf("unexpected pipe result n=%d body=%q", n, dst.String())
	}
}

func TestPipeResponseChunkTransformAndDrop(t *testing.T) {
	c := New(4, 0, nil)

	var dst bytes.Buffer
	calls := 0
	n, err := c.PipeResponse(&dst, strings.NewReader("abcdef"), func(chunk []byte) ([]byte, bool) {
		calls++
		if calls == 1 {
			return []byte(strings.ToUpper(string(chunk))), true
		}
		return nil, false
	})
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if dst.String() != "ABCDEF" {
		t.Fatalf("transform not applied: %q", dst.String())
	}
	if n != 6 {
		t.Fatalf("unexpected byte count: %d", n)
	}
}

func TestPipeResponseWriteErrorStops(t *testing.T) {
	c := New(4, 0, nil)
	w := &failingWriter{}
	_, err := c.PipeResponse(w, strings.NewReader(strings.Repeat("x", 1<<16)), nil)
	if err == nil {
		t.Fatal("expected write error to propagate")
	}
}

type failingWriter struct{}

func (w *failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestAdvisoryTimeoutLogsWithoutAborting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		_, _ = w.Write([]byte("slow but fine"))
	}))
	t.Cleanup(srv.Close)

	var logBuf syncBuffer
	logger := logx.New(&logBuf, logx.LevelDebug)
	c := New(4, 10*time.Millisecond, logger)

	resp, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("advisory timeout must not abort: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "slow but fine" {
		t.Fatalf("unexpected body: %q", body)
	}
	if !strings.Contains(logBuf.String(), "advisory timeout") {
		t.Fatalf("expected advisory warning, got: %q", logBuf.String())
	}
}

// syncBuffer makes concurrent watchdog writes safe to read from the test
// goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
