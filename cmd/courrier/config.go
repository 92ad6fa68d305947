package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full courrier configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	PublicBaseURL string `yaml:"public_base_url"`
	DBPath        string `yaml:"db_path"`
	LogLevel      string `yaml:"log_level"`

	// SendTimeoutSeconds bounds every outbound connector call.
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
	// ConversationWindowHours is the threading recency window.
	ConversationWindowHours int `yaml:"conversation_window_hours"`
	// EventRetentionDays prunes old business events; zero disables.
	EventRetentionDays int `yaml:"event_retention_days"`
	// RateLimitPerMinute caps requests per client IP; zero disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// AdminTokenHash is the bcrypt hash of the admin API bearer token.
	// Empty disables admin auth (local development only). Webhook
	// ingress is exempt either way: it authenticates per channel via
	// HMAC signatures.
	AdminTokenHash string `yaml:"admin_token_hash"`

	// MCPTransport enables the MCP admin tool server; "stdio" is the
	// only supported value.
	MCPTransport string `yaml:"mcp_transport"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Listen:                  ":8086",
		PublicBaseURL:           "http://localhost:8086",
		DBPath:                  "data/courrier.db",
		LogLevel:                "info",
		SendTimeoutSeconds:      30,
		ConversationWindowHours: 24,
		EventRetentionDays:      90,
		RateLimitPerMinute:      240,
	}
}

// LoadConfig reads a YAML config file merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("public_base_url is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SendTimeoutSeconds <= 0 {
		return fmt.Errorf("send_timeout_seconds must be > 0")
	}
	if c.ConversationWindowHours <= 0 {
		return fmt.Errorf("conversation_window_hours must be > 0")
	}
	if c.MCPTransport != "" && c.MCPTransport != "stdio" {
		return fmt.Errorf("mcp_transport must be empty or \"stdio\"")
	}
	return nil
}
