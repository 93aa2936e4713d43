package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig pairs an API key identifier with its HMAC shared secret.
// Secrets may reference environment variables with the ${VAR} form so the
// TOML file can be committed without material in it.
type APIKeyConfig struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

// WebhookConfig describes one downstream subscriber.
type WebhookConfig struct {
	URL         string `toml:"URL"`
	Secret      string `toml:"Secret"`
	EventPrefix string `toml:"EventPrefix"`
}

// Config carries the gateway settings.
type Config struct {
	ListenAddress       string          `toml:"ListenAddress"`
	NodeURL             string          `toml:"NodeURL"`
	NodeAuthToken       string          `toml:"NodeAuthToken"`
	JWTSecret           string          `toml:"JWTSecret"`
	SQLitePath          string          `toml:"SQLitePath"`
	RatePerSecond       float64         `toml:"RatePerSecond"`
	RateBurst           int             `toml:"RateBurst"`
	TimestampSkewSecs   int64           `toml:"TimestampSkewSeconds"`
	NonceTTLSecs        int64           `toml:"NonceTTLSeconds"`
	EventPollSecs       int64           `toml:"EventPollSeconds"`
	APIKeys             []APIKeyConfig  `toml:"APIKeys"`
	Webhooks            []WebhookConfig `toml:"Webhooks"`
	WebhookRetryBackoff int64           `toml:"WebhookRetryBackoffSeconds"`
	WebhookMaxAttempts  int             `toml:"WebhookMaxAttempts"`
}

// LoadConfig reads the gateway configuration, expanding ${ENV} references in
// secret-bearing fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.NodeAuthToken = expandEnv(cfg.NodeAuthToken)
	cfg.JWTSecret = expandEnv(cfg.JWTSecret)
	for i := range cfg.APIKeys {
		cfg.APIKeys[i].Secret = expandEnv(cfg.APIKeys[i].Secret)
	}
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].Secret = expandEnv(cfg.Webhooks[i].Secret)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = "market-gateway.db"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.TimestampSkewSecs <= 0 {
		cfg.TimestampSkewSecs = 120
	}
	if cfg.NonceTTLSecs <= 0 {
		cfg.NonceTTLSecs = 600
	}
	if cfg.EventPollSecs <= 0 {
		cfg.EventPollSecs = 5
	}
	if cfg.WebhookRetryBackoff <= 0 {
		cfg.WebhookRetryBackoff = 10
	}
	if cfg.WebhookMaxAttempts <= 0 {
		cfg.WebhookMaxAttempts = 5
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NodeURL) == "" {
		return fmt.Errorf("config: NodeURL is required")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: at least one API key is required")
	}
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: API keys need both Key and Secret")
		}
	}
	return nil
}

// TimestampSkew returns the allowed request timestamp skew.
func (c *Config) TimestampSkew() time.Duration {
	return time.Duration(c.TimestampSkewSecs) * time.Second
}

// NonceTTL returns how long nonces are remembered for replay protection.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.NonceTTLSecs) * time.Second
}

// EventPollInterval returns how often the watcher asks the node for fresh
// events.
func (c *Config) EventPollInterval() time.Duration {
	return time.Duration(c.EventPollSecs) * time.Second
}

func expandEnv(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(trimmed, "${"), "}"))
	}
	return trimmed
}
