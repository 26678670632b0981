package interceptors

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayworks/agent-relay/internal/logx"
	"github.com/relayworks/agent-relay/internal/metrics"
	"github.com/relayworks/agent-relay/internal/metricsapi"
	"github.com/relayworks/agent-relay/internal/plugin"
	"github.com/relayworks/agent-relay/internal/session"
)

// MetricsSyncID identifies the metrics sync interceptor.
const MetricsSyncID = "metrics-sync"

// Sender posts one branch summary. Satisfied by *metricsapi.Client.
type Sender interface {
	SendMetric(ctx context.Context, m *metrics.SessionMetric) (*metricsapi.Result, error)
}

// Lifecycle states, logged for observability.
const (
	syncIdle int32 = iota
	syncRunning
	syncStopping
	syncStopped
)

// MetricsSyncDescriptor declares the sync plugin. The factory opts out when
// metrics are disabled, no session is active, or no sender is available
// outside dry-run.
func MetricsSyncDescriptor(priority int, deltas *metrics.DeltaLog, sessions session.Store, sender Sender) plugin.Descriptor {
	return plugin.Descriptor{
		ID:       MetricsSyncID,
		Priority: priority,
		Factory: func(ctx context.Context, env *plugin.Env) (plugin.Interceptor, error) {
			cfg := env.Config
			if cfg == nil || cfg.Plugins.MetricsSync.Disabled {
				return nil, plugin.Skip("disabled by config")
			}
			if !cfg.Metrics.Enabled {
				return nil, plugin.Skip("metrics disabled")
			}
			if strings.TrimSpace(env.SessionID) == "" {
				return nil, plugin.Skip("no active session")
			}
			if deltas == nil {
				return nil, plugin.Skip("no delta log configured")
			}
			if !cfg.Metrics.DryRun && sender == nil {
				return nil, plugin.Skip("no metrics endpoint configured")
			}
			ms := NewMetricsSync(env.Logger, deltas, sessions, sender, env.SessionID,
				time.Duration(cfg.Metrics.IntervalMs)*time.Millisecond, cfg.Metrics.DryRun)
			ms.Start()
			return ms, nil
		},
	}
}

// MetricsSync periodically aggregates the session's pending deltas into
// per-branch summaries and posts them. At most one pass runs at a time; a
// timer fire that overlaps a running pass is skipped, never queued. Sync is
// a best-effort side channel: every failure is logged, none propagates.
type MetricsSync struct {
	logger    *logx.Logger
	deltas    *metrics.DeltaLog
	sessions  session.Store
	sender    Sender
	sessionID string
	interval  time.Duration
	dryRun    bool

	// passMu is the sync-in-progress guard shared between the timer
	// goroutine and Shutdown's final pass.
	passMu   sync.Mutex
	state    atomic.Int32
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewMetricsSync(logger *logx.Logger, deltas *metrics.DeltaLog, sessions session.Store, sender Sender, sessionID string, interval time.Duration, dryRun bool) *MetricsSync {
	if logger == nil {
		logger = logx.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MetricsSync{
		logger:    logger,
		deltas:    deltas,
		sessions:  sessions,
		sender:    sender,
		sessionID: sessionID,
		interval:  interval,
		dryRun:    dryRun,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

func (m *MetricsSync) ID() string { return MetricsSyncID }

// Start arms the repeating sync timer.
func (m *MetricsSync) Start() {
	if !m.state.CompareAndSwap(syncIdle, syncRunning) {
		return
	}
	m.ticker = time.NewTicker(m.interval)
	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-m.ticker.C:
				m.SyncNow(context.Background())
			}
		}
	}()
	m.logger.Infof("metrics sync started (session=%s interval=%s dry_run=%t)", m.sessionID, m.interval, m.dryRun)
}

// Shutdown stops the timer and runs exactly one final synchronous pass.
// The final pass waits for an in-flight timer pass instead of skipping, so
// shutdown never loses the last flush; its failures are logged, never
// returned, so shutdown is never blocked on the metrics side channel.
func (m *MetricsSync) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.state.Store(syncStopping)
		if m.ticker != nil {
			m.ticker.Stop()
		}
		close(m.done)

		m.passMu.Lock()
		m.runPass(ctx)
		m.passMu.Unlock()

		m.state.Store(syncStopped)
		m.logger.Infof("metrics sync stopped (session=%s)", m.sessionID)
	})
	return nil
}

// SyncNow runs one pass unless another is already in flight; an overlap is
// observed via the guard and skipped immediately, before any file read.
// Returns whether the pass ran.
func (m *MetricsSync) SyncNow(ctx context.Context) bool {
	if !m.passMu.TryLock() {
		m.logger.Debugf("sync pass already in progress, skipping (session=%s)", m.sessionID)
		return false
	}
	defer m.passMu.Unlock()
	m.runPass(ctx)
	return true
}

func (m *MetricsSync) runPass(ctx context.Context) {
	all, err := m.deltas.ReadAll()
	if err != nil {
		m.logger.Warnf("sync pass: reading delta log failed: %v", err)
		return
	}
	pending := make([]metrics.Delta, 0, len(all))
	for _, d := range all {
		if d.SyncStatus == metrics.SyncPending {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return
	}

	sess, err := m.sessions.Load(ctx, m.sessionID)
	if err != nil {
		m.logger.Warnf("sync pass: session %s unavailable, keeping deltas pending: %v", m.sessionID, err)
		return
	}

	summaries := metrics.Aggregate(sess, pending)

	if m.dryRun {
		for _, s := range summaries {
			payload, err := json.Marshal(&s.Metric)
			if err != nil {
				m.logger.Warnf("sync pass (dry run): marshal failed for branch %s: %v", s.Metric.Attributes.GitBranch, err)
				continue
			}
			m.logger.Infof("dry run: would send metric for branch %s: %s", s.Metric.Attributes.GitBranch, payload)
		}
		return
	}

	// Branches post independently: one failure never aborts the pass.
	synced := map[string]bool{}
	attempted := map[string]bool{}
	for _, s := range summaries {
		branch := s.Metric.Attributes.GitBranch
		for _, id := range s.RecordIDs {
			attempted[id] = true
		}
		if _, err := m.sender.SendMetric(ctx, &s.Metric); err != nil {
			m.logger.Warnf("sync pass: branch %s failed, will retry next pass: %v", branch, err)
			continue
		}
		for _, id := range s.RecordIDs {
			synced[id] = true
		}
		m.logger.Debugf("sync pass: branch %s synced (%d deltas)", branch, len(s.RecordIDs))
	}

	if err := m.deltas.MarkSynced(synced, attempted, m.now().UTC()); err != nil {
		m.logger.Warnf("sync pass: marking deltas failed: %v", err)
	}
}
