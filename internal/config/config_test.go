package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "provider:\n  name: anthropic\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 0 {
		t.Fatalf("unexpected default port: %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownGraceMs != 2000 {
		t.Fatalf("unexpected shutdown grace: %d", cfg.Server.ShutdownGraceMs)
	}
	if cfg.Metrics.IntervalMs != 300000 {
		t.Fatalf("unexpected metrics interval: %d", cfg.Metrics.IntervalMs)
	}
	if cfg.Forward.MaxConnsPerHost != 10 {
		t.Fatalf("unexpected max conns per host: %d", cfg.Forward.MaxConnsPerHost)
	}
	if cfg.Logging.ChunkProgressEvery != 50 {
		t.Fatalf("unexpected chunk progress interval: %d", cfg.Logging.ChunkProgressEvery)
	}
	if cfg.Plugins.Logging.Priority != 10 || cfg.Plugins.MetricsSync.Priority != 20 {
		t.Fatalf("unexpected plugin priorities: %+v", cfg.Plugins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "8123")
	t.Setenv("RELAY_PROVIDER", "openai")
	t.Setenv("RELAY_METRICS_ENABLED", "on")
	t.Setenv("RELAY_METRICS_BASE_URL", "https://metrics.example.com")
	t.Setenv("RELAY_METRICS_DRY_RUN", "false")

	path := writeConfig(t, "provider:\n  name: anthropic\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Fatalf("env port not applied: %d", cfg.Server.Port)
	}
	if cfg.Provider.Name != "openai" {
		t.Fatalf("env provider not applied: %q", cfg.Provider.Name)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.BaseURL != "https://metrics.example.com" {
		t.Fatalf("env metrics not applied: %+v", cfg.Metrics)
	}
}

func TestValidateMetricsBaseURLRequired(t *testing.T) {
	path := writeConfig(t, "metrics:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for enabled metrics without base_url")
	}
}

func TestValidateMetricsDryRunAllowsMissingBaseURL(t *testing.T) {
	path := writeConfig(t, "metrics:\n  enabled: true\n  dry_run: true\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("dry_run should not require base_url: %v", err)
	}
}
