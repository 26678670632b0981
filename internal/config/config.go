package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		// Port 0 requests an OS-assigned ephemeral port. The proxy always
		// binds loopback only.
		Port            int `yaml:"port"`
		ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
	} `yaml:"server"`

	Provider struct {
		Name string `yaml:"name"`
	} `yaml:"provider"`

	Providers struct {
		File string `yaml:"file"`
	} `yaml:"providers"`

	Credentials struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"credentials"`

	Session struct {
		ID  string `yaml:"id"`
		Dir string `yaml:"dir"`
	} `yaml:"session"`

	Agent struct {
		Name    string   `yaml:"name"`
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"agent"`

	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		BaseURL    string `yaml:"base_url"`
		Dir        string `yaml:"dir"`
		IntervalMs int    `yaml:"interval_ms"`
		DryRun     bool   `yaml:"dry_run"`
		ClientType string `yaml:"client_type"`
	} `yaml:"metrics"`

	Forward struct {
		MaxConnsPerHost   int `yaml:"max_conns_per_host"`
		AdvisoryTimeoutMs int `yaml:"advisory_timeout_ms"`
	} `yaml:"forward"`

	Logging struct {
		Level              string `yaml:"level"`
		AccessLog          bool   `yaml:"access_log"`
		ChunkProgressEvery int    `yaml:"chunk_progress_every"`
		BodyLogMaxBytes    int    `yaml:"body_log_max_bytes"`
	} `yaml:"logging"`

	Plugins struct {
		Logging struct {
			Disabled bool `yaml:"disabled"`
			Priority int  `yaml:"priority"`
		} `yaml:"logging"`
		MetricsSync struct {
			Disabled bool `yaml:"disabled"`
			Priority int  `yaml:"priority"`
		} `yaml:"metrics_sync"`
	} `yaml:"plugins"`
}

func Load(path string) (*Config, error) {
	// #nosec G304 -- config path comes from a trusted flag.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with defaults applied and env overrides honored,
// for commands that can run without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port < 0 {
		cfg.Server.Port = 0
	}
	if cfg.Server.ShutdownGraceMs <= 0 {
		cfg.Server.ShutdownGraceMs = 2000
	}
	if strings.TrimSpace(cfg.Providers.File) == "" {
		cfg.Providers.File = "./providers.yaml"
	}
	if strings.TrimSpace(cfg.Credentials.File) == "" {
		cfg.Credentials.File = "./credentials.yaml"
	}
	if strings.TrimSpace(cfg.Session.Dir) == "" {
		cfg.Session.Dir = "./sessions"
	}
	if strings.TrimSpace(cfg.Metrics.Dir) == "" {
		cfg.Metrics.Dir = "./metrics"
	}
	if cfg.Metrics.IntervalMs <= 0 {
		cfg.Metrics.IntervalMs = 5 * 60 * 1000
	}
	if strings.TrimSpace(cfg.Metrics.ClientType) == "" {
		cfg.Metrics.ClientType = "agent-relay-cli"
	}
	if cfg.Forward.MaxConnsPerHost <= 0 {
		cfg.Forward.MaxConnsPerHost = 10
	}
	if cfg.Forward.AdvisoryTimeoutMs < 0 {
		cfg.Forward.AdvisoryTimeoutMs = 0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ChunkProgressEvery <= 0 {
		cfg.Logging.ChunkProgressEvery = 50
	}
	if cfg.Logging.BodyLogMaxBytes <= 0 {
		cfg.Logging.BodyLogMaxBytes = 1 * 1024 * 1024
	}
	if cfg.Plugins.Logging.Priority == 0 {
		cfg.Plugins.Logging.Priority = 10
	}
	if cfg.Plugins.MetricsSync.Priority == 0 {
		cfg.Plugins.MetricsSync.Priority = 20
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Server.Port = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_PROVIDER")); v != "" {
		cfg.Provider.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_PROVIDERS_FILE")); v != "" {
		cfg.Providers.File = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_CREDENTIALS_FILE")); v != "" {
		cfg.Credentials.File = v
	}
	cfg.Credentials.Watch = envBool("RELAY_CREDENTIALS_WATCH", cfg.Credentials.Watch)
	if v := strings.TrimSpace(os.Getenv("RELAY_SESSION_ID")); v != "" {
		cfg.Session.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_SESSION_DIR")); v != "" {
		cfg.Session.Dir = v
	}
	cfg.Metrics.Enabled = envBool("RELAY_METRICS_ENABLED", cfg.Metrics.Enabled)
	if v := strings.TrimSpace(os.Getenv("RELAY_METRICS_BASE_URL")); v != "" {
		cfg.Metrics.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_METRICS_DIR")); v != "" {
		cfg.Metrics.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_METRICS_INTERVAL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Metrics.IntervalMs = n
		}
	}
	cfg.Metrics.DryRun = envBool("RELAY_METRICS_DRY_RUN", cfg.Metrics.DryRun)
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	cfg.Logging.AccessLog = envBool("RELAY_ACCESS_LOG", cfg.Logging.AccessLog)
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be in [0, 65535]")
	}
	if cfg.Metrics.Enabled && !cfg.Metrics.DryRun && strings.TrimSpace(cfg.Metrics.BaseURL) == "" {
		return errors.New("metrics.base_url is required when metrics are enabled (or set RELAY_METRICS_BASE_URL)")
	}
	return nil
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
