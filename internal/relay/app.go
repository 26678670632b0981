package relay

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/relayworks/agent-relay/internal/config"
	"github.com/relayworks/agent-relay/internal/credentials"
	"github.com/relayworks/agent-relay/internal/interceptors"
	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/metrics"
	"github.com/relayworks/agent-relay/internal/metricsapi"
	"github.com/relayworks/agent-relay/internal/providers"
	"github.com/relayworks/agent-relay/internal/proxyserver"
	"github.com/relayworks/agent-relay/internal/session"
)

// app bundles the collaborators every subcommand needs.
type app struct {
	cfg      *config.Config
	logger   *logx.Logger
	registry providers.Registry
	creds    *credentials.FileStore
	sessions *session.FileStore
}

func buildApp(cfgPath string) (*app, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := logx.New(os.Stdout, logx.ParseLevel(cfg.Logging.Level))

	registry, err := providers.Load(cfg.Providers.File)
	if err != nil {
		return nil, fmt.Errorf("load providers %q: %w", cfg.Providers.File, err)
	}

	creds, err := credentials.NewFileStore(cfg.Credentials.File, logger)
	if err != nil {
		return nil, fmt.Errorf("load credentials %q: %w", cfg.Credentials.File, err)
	}
	if cfg.Credentials.Watch {
		if err := creds.Watch(); err != nil {
			logger.Warnf("credentials watch unavailable: %v", err)
		}
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		creds:    creds,
		sessions: session.NewFileStore(cfg.Session.Dir),
	}, nil
}

// loadConfig reads the config file when present; a missing default path
// falls back to defaults plus env overrides so `agent-relay run` works with
// zero setup.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func (a *app) Close() {
	_ = a.creds.Close()
}

// ensureSession resolves the active session, creating one when the config
// names none. The id is what keys the delta log the agent instrumentation
// writes into.
func (a *app) ensureSession(ctx context.Context) (*session.Session, error) {
	if id := strings.TrimSpace(a.cfg.Session.ID); id != "" {
		sess, err := a.sessions.Load(ctx, id)
		if err == nil {
			return sess, nil
		}
		if err != session.ErrNotFound {
			return nil, err
		}
	}
	wd, _ := os.Getwd()
	sess, err := a.sessions.Create(ctx, a.cfg.Agent.Name, a.cfg.Provider.Name, wd)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	a.cfg.Session.ID = sess.ID
	a.logger.Infof("session %s started (agent=%s provider=%s)", sess.ID, sess.AgentName, sess.Provider)
	return sess, nil
}

// buildSender returns the metrics API client, or nil when metrics are
// disabled or running dry.
func (a *app) buildSender(ctx context.Context) (interceptors.Sender, error) {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.DryRun || strings.TrimSpace(a.cfg.Metrics.BaseURL) == "" {
		return nil, nil
	}
	creds, err := a.creds.Get(ctx)
	if err != nil {
		a.logger.Warnf("metrics enabled but no SSO credentials; metrics posts will be unauthenticated")
	}
	return metricsapi.New(a.cfg.Metrics.BaseURL, creds.Cookie, a.cfg.Metrics.ClientType, a.logger), nil
}

// startProxy assembles and starts the proxy server for the active session.
func (a *app) startProxy(ctx context.Context) (*proxyserver.Server, *proxyserver.Info, error) {
	if _, err := a.ensureSession(ctx); err != nil {
		return nil, nil, err
	}
	sender, err := a.buildSender(ctx)
	if err != nil {
		return nil, nil, err
	}
	srv := proxyserver.New(proxyserver.Options{
		Config:      a.cfg,
		Logger:      a.logger,
		Providers:   a.registry,
		Credentials: a.creds,
		Sessions:    a.sessions,
		Deltas:      metrics.NewDeltaLog(a.cfg.Metrics.Dir, a.cfg.Session.ID),
		Sender:      sender,
	})
	info, err := srv.Start(ctx)
	if err != nil {
		return nil, nil, err
	}
	return srv, info, nil
}
