// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Missing values get defaults, then the
// result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/config.yaml
//  3. ~/.config/switchboard/config.yaml
//
// A .env file in the working directory is loaded before the config file is
// read, so its variables are available for expansion.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	telegram:
//	  bot_token: "${BOT_TOKEN}"
//
// BOT_TOKEN, N8N_WEBHOOK_URL, OPENAI_API_KEY and REDIS_URL are also used
// directly when the matching field is left empty.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reactivation:
//	  interval: "1m"
//	  silence_threshold: "30m"
//
// # Sections
//
//	server:
//	  http_addr: "127.0.0.1:3001"
//	  shutdown_timeout: "30s"
//	database:
//	  path: "./switchboard.db"
//	cache:
//	  backend: "memory"        # memory, redis
//	  redis_url: "${REDIS_URL}"
//	telegram:
//	  enabled: true
//	  poll_timeout: "30s"
//	  max_event_attempts: 3
//	responder:
//	  backend: "webhook"       # webhook, openai, or empty
//	  webhook_url: "${N8N_WEBHOOK_URL}"
//	  timeout: "30s"
//	  max_attempts: 3
//	  failure_threshold: 3
//	  circuit_cooldown: "1m"
//	  send_fallback: true
//	broadcast:
//	  send_timeout: "5s"
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
package config
