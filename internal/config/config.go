// Package config loads proxy settings from a TOML file, layers DBPROXY_
// environment overrides on top, and keeps the live configuration available
// through Current for hot-reloadable fields.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/synix-dev/dbproxy/internal/logging"
)

// Config is the merged proxy configuration. Obtain one via Load; the zero
// value fails validation.
type Config struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	UpstreamURL string `toml:"upstream_url"`

	// Buffer thresholds as fractions of the model context window.
	CheckpointThreshold float64 `toml:"checkpoint_threshold"`
	SwapThreshold       float64 `toml:"swap_threshold"`

	MaxSSEBufferBytes      int  `toml:"max_sse_buffer_bytes"`
	ConversationTTLSeconds int  `toml:"conversation_ttl_seconds"`
	Passthrough            bool `toml:"passthrough"`
	CompactTriggerTokens   int  `toml:"compact_trigger_tokens"`

	ModelContextWindows map[string]int `toml:"model_context_windows"`
	ModelsFile          string         `toml:"models_file"`

	DBPath   string `toml:"db_path"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`
	TLSCADir string `toml:"tls_ca_dir"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   443,
		UpstreamURL:            "https://api.anthropic.com",
		CheckpointThreshold:    0.60,
		SwapThreshold:          0.80,
		MaxSSEBufferBytes:      50_000_000,
		ConversationTTLSeconds: 7200,
		Passthrough:            false,
		CompactTriggerTokens:   50_000,
		ModelContextWindows: map[string]int{
			"claude-opus-4-6":            200_000,
			"claude-sonnet-4-6":          200_000,
			"claude-sonnet-4-5-20250514": 200_000,
			"claude-haiku-4-5-20251001":  200_000,
		},
		DBPath:   "data/dbproxy.sqlite",
		LogDir:   "logs",
		LogLevel: "debug",
		TLSCADir: "certs",
	}
}

// Load reads the TOML file at path (skipped when path is empty), fills the
// gaps from Defaults, then applies DBPROXY_ environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		logging.L_debug("config: loaded file", "path", path)
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges. Called by Load; reloads that fail
// validation are discarded.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream_url %q is not a valid http(s) URL", c.UpstreamURL)
	}
	if c.CheckpointThreshold <= 0 || c.CheckpointThreshold > 1 {
		return fmt.Errorf("checkpoint_threshold %v out of range (0,1]", c.CheckpointThreshold)
	}
	if c.SwapThreshold <= 0 || c.SwapThreshold > 1 {
		return fmt.Errorf("swap_threshold %v out of range (0,1]", c.SwapThreshold)
	}
	if c.SwapThreshold <= c.CheckpointThreshold {
		return fmt.Errorf("swap_threshold %v must exceed checkpoint_threshold %v",
			c.SwapThreshold, c.CheckpointThreshold)
	}
	if c.MaxSSEBufferBytes <= 0 {
		return fmt.Errorf("max_sse_buffer_bytes must be positive")
	}
	if c.CompactTriggerTokens <= 0 {
		return fmt.Errorf("compact_trigger_tokens must be positive")
	}
	return nil
}

// UpstreamHost returns the hostname portion of the upstream URL.
func (c *Config) UpstreamHost() string {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// --- environment overrides ---

// applyEnv overlays DBPROXY_* environment variables. Unparseable values are
// logged and skipped rather than failing startup.
func applyEnv(cfg *Config) {
	envStr("DBPROXY_HOST", &cfg.Host)
	envInt("DBPROXY_PORT", &cfg.Port)
	envStr("DBPROXY_UPSTREAM_URL", &cfg.UpstreamURL)
	envFloat("DBPROXY_CHECKPOINT_THRESHOLD", &cfg.CheckpointThreshold)
	envFloat("DBPROXY_SWAP_THRESHOLD", &cfg.SwapThreshold)
	envInt("DBPROXY_MAX_SSE_BUFFER_BYTES", &cfg.MaxSSEBufferBytes)
	envInt("DBPROXY_CONVERSATION_TTL_SECONDS", &cfg.ConversationTTLSeconds)
	envBool("DBPROXY_PASSTHROUGH", &cfg.Passthrough)
	envInt("DBPROXY_COMPACT_TRIGGER_TOKENS", &cfg.CompactTriggerTokens)
	envStr("DBPROXY_DB_PATH", &cfg.DBPath)
	envStr("DBPROXY_LOG_DIR", &cfg.LogDir)
	envStr("DBPROXY_LOG_LEVEL", &cfg.LogLevel)
	envStr("DBPROXY_TLS_CA_DIR", &cfg.TLSCADir)
	envStr("DBPROXY_MODELS_FILE", &cfg.ModelsFile)

	// JSON-encoded map, e.g. {"claude-opus-4-6": 200000}
	if v := os.Getenv("DBPROXY_MODEL_CONTEXT_WINDOWS"); v != "" {
		var windows map[string]int
		if err := json.Unmarshal([]byte(v), &windows); err != nil {
			logging.L_warn("config: invalid DBPROXY_MODEL_CONTEXT_WINDOWS, ignoring", "error", err)
		} else {
			cfg.ModelContextWindows = windows
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.L_warn("config: invalid integer env var, ignoring", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.L_warn("config: invalid float env var, ignoring", "key", key, "value", v)
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.L_warn("config: invalid boolean env var, ignoring", "key", key, "value", v)
		return
	}
	*dst = b
}

// --- live configuration ---

var current atomic.Pointer[Config]

// Current returns the live configuration as last set by SetCurrent (the
// reload watcher replaces it wholesale). Callers must not mutate the result.
// Returns built-in defaults when nothing was set, so tests and early init
// never see nil.
func Current() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	def := Defaults()
	return &def
}

// SetCurrent installs cfg as the live configuration.
func SetCurrent(cfg *Config) {
	current.Store(cfg)
}
