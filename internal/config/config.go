// ABOUTME: Configuration loading and parsing for neko-bridge
// ABOUTME: YAML or TOML files with ${VAR} expansion, NEKO_* env overrides, durations and defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. NEKO_GATEWAY_TOKEN.
const EnvPrefix = "NEKO_"

// Chat wire formats.
const (
	ChatFormatOpenAI = "openai"
	ChatFormatOllama = "ollama"
)

// Config represents the complete neko-bridge configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway" envPrefix:"GATEWAY_"`
	Workers  WorkersConfig  `yaml:"workers" toml:"workers" envPrefix:"WORKERS_"`
	Chat     ChatConfig     `yaml:"chat" toml:"chat" envPrefix:"CHAT_"`
	Draw     DrawConfig     `yaml:"draw" toml:"draw" envPrefix:"DRAW_"`
	Database DatabaseConfig `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
	Bot      BotConfig      `yaml:"bot" toml:"bot" envPrefix:"BOT_"`
}

// GatewayConfig holds the OneBot websocket connection settings
type GatewayConfig struct {
	URL   string `yaml:"url" toml:"url" env:"URL"`
	Token string `yaml:"token" toml:"token" env:"TOKEN"`

	DedupeWindow time.Duration `yaml:"-" toml:"-"`
	CallTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window" env:"DEDUPE_WINDOW"`
	CallTimeoutRaw  string `yaml:"call_timeout" toml:"call_timeout" env:"CALL_TIMEOUT"`
}

// WorkersConfig sizes the shared worker pool
type WorkersConfig struct {
	Size  int `yaml:"size" toml:"size" env:"SIZE"`
	Queue int `yaml:"queue" toml:"queue" env:"QUEUE"`
}

// ChatConfig holds the streaming chat backend settings. Chat is disabled
// when BaseURL is empty.
type ChatConfig struct {
	Format        string `yaml:"format" toml:"format" env:"FORMAT"`
	BaseURL       string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	APIKey        string `yaml:"api_key" toml:"api_key" env:"API_KEY"`
	Model         string `yaml:"model" toml:"model" env:"MODEL"`
	SystemPrompt  string `yaml:"system_prompt" toml:"system_prompt" env:"SYSTEM_PROMPT"`
	RefusalMarker string `yaml:"refusal_marker" toml:"refusal_marker" env:"REFUSAL_MARKER"`
	FallbackText  string `yaml:"fallback_text" toml:"fallback_text" env:"FALLBACK_TEXT"`
	HistoryLimit  int    `yaml:"history_limit" toml:"history_limit" env:"HISTORY_LIMIT"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
}

// Enabled reports whether a chat backend is configured.
func (c ChatConfig) Enabled() bool { return c.BaseURL != "" }

// DrawConfig bounds image generation jobs
type DrawConfig struct {
	MaxWait    time.Duration `yaml:"-" toml:"-"`
	MaxWaitRaw string        `yaml:"max_wait" toml:"max_wait" env:"MAX_WAIT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" toml:"addr" env:"ADDR"`
	Path    string `yaml:"path" toml:"path" env:"PATH"`
}

// BotConfig holds bot behaviour settings
type BotConfig struct {
	// Admins may chat with the bot privately.
	Admins []int64 `yaml:"admins" toml:"admins" env:"ADMINS"`
	// TorrentCategory is the download category for magnet links.
	TorrentCategory string `yaml:"torrent_category" toml:"torrent_category" env:"TORRENT_CATEGORY"`
}

// IsAdmin reports whether userID is listed in bot.admins.
func (b BotConfig) IsAdmin(userID int64) bool {
	for _, id := range b.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, NEKO_*
// variables override file values, and duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.DedupeWindow == 0 {
		c.Gateway.DedupeWindow = 5 * time.Minute
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if c.Workers.Size <= 0 {
		c.Workers.Size = 8
	}
	if c.Workers.Queue <= 0 {
		c.Workers.Queue = 256
	}
	if c.Chat.Format == "" {
		c.Chat.Format = ChatFormatOpenAI
	}
	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = 2 * time.Minute
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = 10
	}
	if c.Draw.MaxWait == 0 {
		c.Draw.MaxWait = 3 * time.Minute
	}
	if c.Database.Path == "" {
		c.Database.Path = "bot/bot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss, got %q", u.Scheme)
	}

	if c.Chat.Format != ChatFormatOpenAI && c.Chat.Format != ChatFormatOllama {
		return fmt.Errorf("chat.format must be %q or %q, got %q", ChatFormatOpenAI, ChatFormatOllama, c.Chat.Format)
	}
	if c.Chat.Enabled() && c.Chat.Model == "" {
		return errors.New("chat.model is required when chat.base_url is set")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.dedupe_window", cfg.Gateway.DedupeWindowRaw, &cfg.Gateway.DedupeWindow},
		{"gateway.call_timeout", cfg.Gateway.CallTimeoutRaw, &cfg.Gateway.CallTimeout},
		{"chat.timeout", cfg.Chat.TimeoutRaw, &cfg.Chat.Timeout},
		{"draw.max_wait", cfg.Draw.MaxWaitRaw, &cfg.Draw.MaxWait},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
