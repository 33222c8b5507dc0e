// Package config handles configuration loading for neko-bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from NEKO_CONFIG environment variable
//  2. ~/.config/neko-bridge/config.yaml
//
// Files ending in .toml are read as TOML; everything else as YAML.
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	gateway:
//	  token: "${NAPCAT_TOKEN}"
//
// Every field can also be overridden directly with a NEKO_ variable named
// after its section and key, e.g. NEKO_GATEWAY_URL or NEKO_CHAT_API_KEY.
// Lists such as bot.admins are comma separated.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	chat:
//	  timeout: "2m"
//	draw:
//	  max_wait: "3m"
//
// # Configuration Sections
//
//	gateway:
//	  url: "ws://127.0.0.1:3001"
//	  token: "${NAPCAT_TOKEN}"
//	  dedupe_window: "5m"
//	  call_timeout: "30s"
//
//	workers:
//	  size: 8
//	  queue: 256
//
//	chat:
//	  format: "openai"            # openai, ollama
//	  base_url: "https://api.deepseek.com/v1/"
//	  api_key: "${CHAT_API_KEY}"
//	  model: "deepseek-chat"
//	  system_prompt: "..."
//	  refusal_marker: "我无法给到"
//	  fallback_text: "..."
//	  timeout: "2m"
//	  history_limit: 10
//
//	database:
//	  path: "bot/bot.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
//	bot:
//	  admins: [10001]
package config
