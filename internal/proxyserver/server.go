// Package proxyserver runs the local intercepting proxy: a loopback gin
// server that forwards every request to the configured provider, injecting
// SSO credentials and threading the interceptor chain around the exchange.
package proxyserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayworks/agent-relay/internal/config"
	"github.com/relayworks/agent-relay/internal/credentials"
	"github.com/relayworks/agent-relay/internal/forward"
	"github.com/relayworks/agent-relay/internal/interceptors"
	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/metrics"
	"github.com/relayworks/agent-relay/internal/plugin"
	"github.com/relayworks/agent-relay/internal/providers"
	"github.com/relayworks/agent-relay/internal/requestid"
	"github.com/relayworks/agent-relay/internal/session"
	"github.com/relayworks/agent-relay/internal/taskqueue"
)

const taskQueueCapacity = 128

// Options wires the server's collaborators. All stores are interfaces so
// tests substitute in-memory doubles.
type Options struct {
	Config      *config.Config
	Logger      *logx.Logger
	Providers   providers.Registry
	Credentials credentials.Store
	Sessions    session.Store
	Deltas      *metrics.DeltaLog
	Sender      interceptors.Sender

	// Extra plugin descriptors appended after the built-ins.
	Descriptors []plugin.Descriptor

	// AccessLog overrides the access log destination; nil means stdout.
	AccessLog io.Writer
}

// Info reports where the started proxy listens.
type Info struct {
	Port int
	URL  string
}

type Server struct {
	cfg      *config.Config
	logger   *logx.Logger
	registry providers.Registry
	creds    credentials.Store
	opts     Options

	provider providers.Provider
	fwd      *forward.Client
	chain    *plugin.Chain
	tasks    *taskqueue.Queue
	httpSrv  *http.Server
	listener net.Listener
	info     Info
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logx.Default()
	}
	return &Server{
		cfg:      opts.Config,
		logger:   logger,
		registry: opts.Providers,
		creds:    opts.Credentials,
		opts:     opts,
	}
}

// Start resolves the provider, verifies SSO credentials, builds the plugin
// chain, and binds the loopback listener. A taken fixed port falls back to
// an OS-assigned ephemeral port transparently.
func (s *Server) Start(ctx context.Context) (*Info, error) {
	name := s.cfg.Provider.Name
	p, ok := s.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	s.provider = p

	if p.SSORequired {
		creds, err := s.creds.Get(ctx)
		if err != nil || creds.Cookie == "" {
			return nil, &AuthError{Provider: p.Name, Reason: "no SSO session cookie available"}
		}
	}

	s.tasks = taskqueue.New(taskQueueCapacity)
	env := &plugin.Env{
		Logger:    s.logger,
		Tasks:     s.tasks,
		SessionID: s.cfg.Session.ID,
		AgentName: s.cfg.Agent.Name,
		Provider:  p.Name,
		Config:    s.cfg,
	}
	descriptors := []plugin.Descriptor{
		interceptors.LoggingDescriptor(s.cfg.Plugins.Logging.Priority),
		interceptors.MetricsSyncDescriptor(s.cfg.Plugins.MetricsSync.Priority, s.opts.Deltas, s.opts.Sessions, s.opts.Sender),
	}
	descriptors = append(descriptors, s.opts.Descriptors...)
	s.chain = plugin.Build(ctx, env, descriptors)
	s.logger.Infof("plugins active: %v", s.chain.IDs())

	s.fwd = forward.New(
		s.cfg.Forward.MaxConnsPerHost,
		time.Duration(s.cfg.Forward.AdvisoryTimeoutMs)*time.Millisecond,
		s.logger,
	)

	ln, err := s.listen()
	if err != nil {
		return nil, err
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.info = Info{Port: port, URL: "http://127.0.0.1:" + strconv.Itoa(port)}

	s.httpSrv = &http.Server{
		Handler:           s.newEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("proxy serve: %v", err)
		}
	}()

	s.logger.Infof("proxy listening on %s (provider=%s)", s.info.URL, p.Name)
	return &s.info, nil
}

// listen binds loopback only. Port 0 asks the OS for an ephemeral port; a
// fixed port already in use retries once with :0 rather than failing the
// launch.
func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if s.cfg.Server.Port != 0 && isAddrInUseErr(err) {
		s.logger.Warnf("port %d in use, falling back to an ephemeral port", s.cfg.Server.Port)
		return net.Listen("tcp", "127.0.0.1:0")
	}
	return nil, fmt.Errorf("bind %s: %w", addr, err)
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(requestIDMiddleware())
	if s.cfg.Logging.AccessLog {
		w := s.opts.AccessLog
		if w == nil {
			w = os.Stdout
		}
		engine.Use(accessLogMiddleware(w))
	}
	engine.Use(gin.Recovery())
	engine.NoRoute(s.handleProxy)
	return engine
}

// Stop shuts the proxy down: interceptor shutdown hooks first (the metrics
// sync flushes its final pass here), then the HTTP server within the
// configured grace period, then the upstream connection pool.
func (s *Server) Stop(ctx context.Context) error {
	if s.chain != nil {
		s.chain.Shutdown(ctx)
	}

	var err error
	if s.httpSrv != nil {
		grace := time.Duration(s.cfg.Server.ShutdownGraceMs) * time.Millisecond
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	}

	if s.tasks != nil {
		s.tasks.Close()
	}
	if s.fwd != nil {
		s.fwd.CloseIdleConnections()
	}
	s.logger.Infof("proxy stopped")
	return err
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestid.HeaderKey)
		if id == "" {
			id = requestid.Gen()
		}
		c.Header(requestid.HeaderKey, id)
		c.Set(requestid.HeaderKey, id)
		c.Next()
	}
}

func accessLogMiddleware(w io.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]any{}
		if v := c.GetString(requestid.HeaderKey); v != "" {
			fields["request_id"] = v
		}
		if v, ok := c.Get("relay.upstream_status"); ok {
			fields["upstream_status"] = v
		}
		if v, ok := c.Get("relay.bytes_sent"); ok {
			fields["bytes_sent"] = v
		}
		line := logx.FormatRequestLine(
			time.Now(),
			c.Writer.Status(),
			time.Since(start),
			c.ClientIP(),
			c.Request.Method,
			c.Request.URL.Path,
			fields,
			false,
		)
		_, _ = io.WriteString(w, line+"\n")
	}
}
