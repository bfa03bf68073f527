package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide immutable configuration snapshot, captured
// once at startup. Values come from an optional YAML file, overridden by
// environment variables, with defaults filling the rest.
type Config struct {
	// Server
	ListenAddr      string        `yaml:"listen_addr" env:"WAYFINDER_LISTEN_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WAYFINDER_SHUTDOWN_TIMEOUT"`

	// Logging
	LogLevel string `yaml:"log_level" env:"WAYFINDER_LOG_LEVEL"` // "debug" | "info" | "warn" | "error"
	JSONLog  bool   `yaml:"json_log" env:"WAYFINDER_JSON_LOG"`   // false => zap dev (color), true => zap prod (JSON)

	// Judge
	APIKey     string        `yaml:"api_key" env:"WAYFINDER_API_KEY"`
	APIURL     string        `yaml:"api_url" env:"WAYFINDER_API_URL"`
	Model      string        `yaml:"model" env:"WAYFINDER_MODEL"`
	LLMTimeout time.Duration `yaml:"llm_timeout" env:"WAYFINDER_LLM_TIMEOUT"`

	// Routing
	CacheFile       string `yaml:"cache_file" env:"WAYFINDER_CACHE_FILE"`
	DisableWatch    bool   `yaml:"disable_watch" env:"WAYFINDER_DISABLE_WATCH"` // disable reload on external cache-file edits
	OwnProject      string `yaml:"own_project" env:"WAYFINDER_OWN_PROJECT"`     // compose project to hide from the inventory
	DebugHost       string `yaml:"debug_host" env:"WAYFINDER_DEBUG_HOST"`
	AdmissionSuffix string `yaml:"admission_suffix" env:"WAYFINDER_ADMISSION_SUFFIX"`

	// Discovery
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl" env:"WAYFINDER_SNAPSHOT_TTL"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"WAYFINDER_PROBE_TIMEOUT"`
}

// Load builds the configuration. The YAML file named by WAYFINDER_CONFIG
// is read first (when set), then env vars override, then defaults fill
// whatever is still zero.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("WAYFINDER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()

	if !strings.HasPrefix(cfg.AdmissionSuffix, ".") {
		cfg.AdmissionSuffix = "." + cfg.AdmissionSuffix
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.APIURL == "" {
		c.APIURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	if c.Model == "" {
		c.Model = "anthropic/claude-haiku-4.5"
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 30 * time.Second
	}
	if c.CacheFile == "" {
		c.CacheFile = "/data/mappings.json"
	}
	if c.DebugHost == "" {
		c.DebugHost = "proxy.localhost"
	}
	if c.AdmissionSuffix == "" {
		c.AdmissionSuffix = ".localhost"
	}
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
}
