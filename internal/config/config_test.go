// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion and overrides, durations, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
gateway:
  url: "ws://127.0.0.1:3001"
  token: "napcat"
  dedupe_window: "2m"

workers:
  size: 4
  queue: 32

chat:
  format: "ollama"
  base_url: "http://127.0.0.1:11434"
  model: "qwen2.5"
  system_prompt: "you are a cat"
  refusal_marker: "NOPE"
  fallback_text: "later"
  timeout: "45s"
  history_limit: 6

draw:
  max_wait: "90s"

database:
  path: "/tmp/bot.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: ":9100"
  path: "/m"

bot:
  admins: [10001, 10002]
  torrent_category: tv
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:3001", cfg.Gateway.URL)
	assert.Equal(t, "napcat", cfg.Gateway.Token)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.DedupeWindow)
	assert.Equal(t, 4, cfg.Workers.Size)
	assert.Equal(t, 32, cfg.Workers.Queue)
	assert.Equal(t, ChatFormatOllama, cfg.Chat.Format)
	assert.True(t, cfg.Chat.Enabled())
	assert.Equal(t, "NOPE", cfg.Chat.RefusalMarker)
	assert.Equal(t, 45*time.Second, cfg.Chat.Timeout)
	assert.Equal(t, 6, cfg.Chat.HistoryLimit)
	assert.Equal(t, 90*time.Second, cfg.Draw.MaxWait)
	assert.Equal(t, "/tmp/bot.db", cfg.Database.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, []int64{10001, 10002}, cfg.Bot.Admins)
	assert.True(t, cfg.Bot.IsAdmin(10002))
	assert.False(t, cfg.Bot.IsAdmin(3))
	assert.Equal(t, "tv", cfg.Bot.TorrentCategory)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[gateway]
url = "wss://gateway.example/ws"
call_timeout = "5s"

[chat]
base_url = "https://api.example/v1/"
model = "gpt-4o-mini"

[bot]
admins = [42]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://gateway.example/ws", cfg.Gateway.URL)
	assert.Equal(t, 5*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, ChatFormatOpenAI, cfg.Chat.Format)
	assert.Equal(t, "gpt-4o-mini", cfg.Chat.Model)
	assert.Equal(t, []int64{42}, cfg.Bot.Admins)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
gateway:
  url: "ws://localhost:3001"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Gateway.DedupeWindow)
	assert.Equal(t, 30*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, 8, cfg.Workers.Size)
	assert.Equal(t, 256, cfg.Workers.Queue)
	assert.Equal(t, ChatFormatOpenAI, cfg.Chat.Format)
	assert.False(t, cfg.Chat.Enabled())
	assert.Equal(t, 2*time.Minute, cfg.Chat.Timeout)
	assert.Equal(t, 10, cfg.Chat.HistoryLimit)
	assert.Equal(t, 3*time.Minute, cfg.Draw.MaxWait)
	assert.Equal(t, "bot/bot.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_NAPCAT_TOKEN", "from-env")
	path := writeConfig(t, "config.yaml", `
gateway:
  url: "ws://localhost:3001"
  token: "${TEST_NAPCAT_TOKEN}"
chat:
  api_key: "${TEST_UNSET_CHAT_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.Token)
	assert.Equal(t, "", cfg.Chat.APIKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NEKO_GATEWAY_URL", "ws://override:3001")
	t.Setenv("NEKO_CHAT_TIMEOUT", "10s")
	t.Setenv("NEKO_WORKERS_SIZE", "2")
	t.Setenv("NEKO_BOT_ADMINS", "1,2,3")
	path := writeConfig(t, "config.yaml", `
gateway:
  url: "ws://file:3001"
chat:
  timeout: "1m"
workers:
  size: 16
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://override:3001", cfg.Gateway.URL)
	assert.Equal(t, 10*time.Second, cfg.Chat.Timeout)
	assert.Equal(t, 2, cfg.Workers.Size)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Bot.Admins)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"missing url", "c.yaml", `logging: {level: info}`, "gateway.url is required"},
		{"bad scheme", "c.yaml", `gateway: {url: "http://x"}`, "ws or wss"},
		{"bad duration", "c.yaml", "gateway: {url: \"ws://x\"}\nchat: {timeout: \"soon\"}", "chat.timeout"},
		{"negative duration", "c.yaml", "gateway: {url: \"ws://x\"}\ndraw: {max_wait: \"-1s\"}", "must not be negative"},
		{"bad format", "c.yaml", "gateway: {url: \"ws://x\"}\nchat: {format: \"grpc\"}", "chat.format"},
		{"missing model", "c.yaml", "gateway: {url: \"ws://x\"}\nchat: {base_url: \"http://llm\"}", "chat.model is required"},
		{"bad level", "c.yaml", "gateway: {url: \"ws://x\"}\nlogging: {level: \"loud\"}", "logging.level"},
		{"bad log format", "c.yaml", "gateway: {url: \"ws://x\"}\nlogging: {format: \"xml\"}", "logging.format"},
		{"bad metrics path", "c.yaml", "gateway: {url: \"ws://x\"}\nmetrics: {enabled: true, path: \"metrics\"}", "metrics.path"},
		{"bad yaml", "c.yaml", "gateway: [", "parsing config file"},
		{"bad toml", "c.toml", "[gateway", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}
