// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Cache        CacheConfig        `yaml:"cache" toml:"cache"`
	Telegram     TelegramConfig     `yaml:"telegram" toml:"telegram"`
	Responder    ResponderConfig    `yaml:"responder" toml:"responder"`
	Reactivation ReactivationConfig `yaml:"reactivation" toml:"reactivation"`
	Broadcast    BroadcastConfig    `yaml:"broadcast" toml:"broadcast"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the operator HTTP API settings
type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CacheConfig selects the cache backend and view TTLs
type CacheConfig struct {
	// Backend is "memory" or "redis"
	Backend         string   `yaml:"backend" toml:"backend"`
	RedisURL        string   `yaml:"redis_url" toml:"redis_url"`
	MaxEntries      int      `yaml:"max_entries" toml:"max_entries"`
	ConversationTTL Duration `yaml:"conversation_ttl" toml:"conversation_ttl"`
	ListTTL         Duration `yaml:"list_ttl" toml:"list_ttl"`
	MessagesTTL     Duration `yaml:"messages_ttl" toml:"messages_ttl"`
	StatsTTL        Duration `yaml:"stats_ttl" toml:"stats_ttl"`
}

// TelegramConfig holds the upstream platform settings
type TelegramConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	BotToken         string   `yaml:"bot_token" toml:"bot_token"`
	APIURL           string   `yaml:"api_url" toml:"api_url"`
	PollTimeout      Duration `yaml:"poll_timeout" toml:"poll_timeout"`
	BatchSize        int      `yaml:"batch_size" toml:"batch_size"`
	ErrorBackoff     Duration `yaml:"error_backoff" toml:"error_backoff"`
	MaxEventAttempts int      `yaml:"max_event_attempts" toml:"max_event_attempts"`
	RequestTimeout   Duration `yaml:"request_timeout" toml:"request_timeout"`

	// Mode is "polling" (getUpdates) or "webhook" (Telegram pushes to
	// POST /telegram/webhook/{webhook_secret}).
	Mode          string `yaml:"mode" toml:"mode"`
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
	// WebhookURL, when set in webhook mode, is registered with setWebhook on startup.
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
}

// ResponderConfig holds the automated responder settings
type ResponderConfig struct {
	// Backend is "webhook", "openai", or empty to disable automated answers
	Backend            string       `yaml:"backend" toml:"backend"`
	WebhookURL         string       `yaml:"webhook_url" toml:"webhook_url"`
	InsecureSkipVerify bool         `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Timeout            Duration     `yaml:"timeout" toml:"timeout"`
	MaxAttempts        int          `yaml:"max_attempts" toml:"max_attempts"`
	BackoffMin         Duration     `yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax         Duration     `yaml:"backoff_max" toml:"backoff_max"`
	FailureThreshold   int          `yaml:"failure_threshold" toml:"failure_threshold"`
	CircuitCooldown    Duration     `yaml:"circuit_cooldown" toml:"circuit_cooldown"`
	SendFallback       *bool        `yaml:"send_fallback" toml:"send_fallback"`
	OpenAI             OpenAIConfig `yaml:"openai" toml:"openai"`
}

// OpenAIConfig holds the chat model settings for the openai backend
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	Model        string `yaml:"model" toml:"model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// ReactivationConfig holds the silence timer settings
type ReactivationConfig struct {
	Interval         Duration `yaml:"interval" toml:"interval"`
	SilenceThreshold Duration `yaml:"silence_threshold" toml:"silence_threshold"`
}

// BroadcastConfig holds observer delivery settings
type BroadcastConfig struct {
	SendTimeout Duration `yaml:"send_timeout" toml:"send_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Duration is a time.Duration written as a string like "30s" in config files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText parses a duration string. TOML uses this directly.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText writes the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
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

// applyEnv fills secrets left empty in the file from the conventional
// environment variables.
func (c *Config) applyEnv() {
	if c.Telegram.BotToken == "" {
		c.Telegram.BotToken = os.Getenv("BOT_TOKEN")
	}
	if c.Responder.WebhookURL == "" {
		c.Responder.WebhookURL = os.Getenv("N8N_WEBHOOK_URL")
	}
	if c.Responder.OpenAI.APIKey == "" {
		c.Responder.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Cache.RedisURL == "" {
		c.Cache.RedisURL = os.Getenv("REDIS_URL")
	}
}

func (c *Config) applyDefaults() {
	setDuration := func(d *Duration, def time.Duration) {
		if *d <= 0 {
			*d = Duration(def)
		}
	}
	setInt := func(n *int, def int) {
		if *n <= 0 {
			*n = def
		}
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3001"
	}
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 50 << 20
	}

	if c.Database.Path == "" {
		c.Database.Path = "./switchboard.db"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	setInt(&c.Cache.MaxEntries, 10000)
	setDuration(&c.Cache.ConversationTTL, 30*time.Minute)
	setDuration(&c.Cache.ListTTL, 5*time.Minute)
	setDuration(&c.Cache.MessagesTTL, 15*time.Minute)
	setDuration(&c.Cache.StatsTTL, 5*time.Minute)

	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	setDuration(&c.Telegram.PollTimeout, 30*time.Second)
	setInt(&c.Telegram.BatchSize, 100)
	setDuration(&c.Telegram.ErrorBackoff, 60*time.Second)
	setInt(&c.Telegram.MaxEventAttempts, 3)
	setDuration(&c.Telegram.RequestTimeout, 10*time.Second)
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = "polling"
	}

	setDuration(&c.Responder.Timeout, 30*time.Second)
	setInt(&c.Responder.MaxAttempts, 3)
	setDuration(&c.Responder.BackoffMin, 4*time.Second)
	setDuration(&c.Responder.BackoffMax, 10*time.Second)
	setInt(&c.Responder.FailureThreshold, 3)
	setDuration(&c.Responder.CircuitCooldown, time.Minute)
	if c.Responder.SendFallback == nil {
		enabled := true
		c.Responder.SendFallback = &enabled
	}

	setDuration(&c.Reactivation.Interval, time.Minute)
	setDuration(&c.Reactivation.SilenceThreshold, 30*time.Minute)

	setDuration(&c.Broadcast.SendTimeout, 5*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}

	switch c.Telegram.Mode {
	case "polling":
	case "webhook":
		if c.Telegram.Enabled && len(c.Telegram.WebhookSecret) < 16 {
			return fmt.Errorf("telegram.webhook_secret must be at least 16 characters in webhook mode")
		}
	default:
		return fmt.Errorf("telegram.mode must be polling or webhook, got %q", c.Telegram.Mode)
	}

	switch c.Responder.Backend {
	case "":
	case "webhook":
		if c.Responder.WebhookURL == "" {
			return fmt.Errorf("responder.webhook_url is required for the webhook backend")
		}
		u, err := url.Parse(c.Responder.WebhookURL)
		if err != nil {
			return fmt.Errorf("responder.webhook_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("responder.webhook_url must use http or https scheme")
		}
	case "openai":
		if c.Responder.OpenAI.APIKey == "" {
			return fmt.Errorf("responder.openai.api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("responder.backend must be webhook or openai, got %q", c.Responder.Backend)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Responder.BackoffMin > c.Responder.BackoffMax {
		return fmt.Errorf("responder.backoff_min must not exceed responder.backoff_max")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}
