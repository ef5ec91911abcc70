// Package config loads and validates the proxy's on-disk configuration
// (§6), and exposes the narrow hot-reloadable subset of it via Holder
// (§10).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure (§6).
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	OpenRouter   OpenRouterConfig   `yaml:"openrouter"`
	RequestProxy RequestProxyConfig `yaml:"requestProxy"`
}

// ServerConfig configures the HTTP server and the proxy's own
// client-facing access control.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	AccessKey    string `yaml:"access_key"`
	LogLevel     string `yaml:"log_level"`
	HTTPLogLevel string `yaml:"http_log_level"`
}

// OpenRouterConfig configures the upstream key pool, its selection
// strategy, and free-only gating (§4.1, §4.4).
type OpenRouterConfig struct {
	Keys                 []string `yaml:"keys"`
	BaseURL              string   `yaml:"base_url"`
	PublicEndpoints      []string `yaml:"public_endpoints"`
	RateLimitCooldown    int      `yaml:"rate_limit_cooldown"` // seconds
	KeySelectionStrategy string   `yaml:"key_selection_strategy"`
	KeySelectionOpts     []string `yaml:"key_selection_opts"`
	FreeOnly             bool     `yaml:"free_only"`
}

// RequestProxyConfig configures an optional outbound HTTP proxy in front
// of upstream calls.
type RequestProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

const (
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 5555
	defaultBaseURL              = "https://openrouter.ai/api/v1"
	defaultRateLimitCooldown    = 14400 // 4h, matches the donor Python default
	defaultKeySelectionStrategy = "round-robin"
)

// openRouterKeysEnvVar overrides openrouter.keys with a comma-separated
// list, matching the original Python load_config()'s env override (§6).
const openRouterKeysEnvVar = "OPENROUTER_KEYS"

// Load reads, defaults, and validates configuration from a YAML file at
// path. Any failure here is a ConfigError (§7): the caller should treat
// it as fatal and exit non-zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(openRouterKeysEnvVar); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				keys = append(keys, k)
			}
		}
		cfg.OpenRouter.Keys = keys
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.HTTPLogLevel == "" {
		cfg.Server.HTTPLogLevel = cfg.Server.LogLevel
	}

	if cfg.OpenRouter.BaseURL == "" {
		cfg.OpenRouter.BaseURL = defaultBaseURL
	}
	if len(cfg.OpenRouter.PublicEndpoints) == 0 {
		cfg.OpenRouter.PublicEndpoints = []string{"/api/v1/models"}
	}
	if cfg.OpenRouter.RateLimitCooldown == 0 {
		cfg.OpenRouter.RateLimitCooldown = defaultRateLimitCooldown
	}
	if cfg.OpenRouter.KeySelectionStrategy == "" {
		cfg.OpenRouter.KeySelectionStrategy = defaultKeySelectionStrategy
	}
}

func validate(cfg *Config) error {
	if cfg.Server.AccessKey == "" {
		return fmt.Errorf("server.access_key is required")
	}
	if len(cfg.OpenRouter.Keys) == 0 {
		return fmt.Errorf("openrouter.keys must not be empty")
	}

	switch cfg.OpenRouter.KeySelectionStrategy {
	case "round-robin", "first", "random":
	default:
		return fmt.Errorf("openrouter.key_selection_strategy must be one of round-robin, first, random; got %q", cfg.OpenRouter.KeySelectionStrategy)
	}

	if cfg.RequestProxy.Enabled && cfg.RequestProxy.URL == "" {
		return fmt.Errorf("requestProxy.url is required when requestProxy.enabled is true")
	}

	return nil
}

// RateLimitCooldownDuration converts the seconds-based config field to a
// time.Duration for the Key Manager.
func (c *OpenRouterConfig) RateLimitCooldownDuration() time.Duration {
	return time.Duration(c.RateLimitCooldown) * time.Second
}

// UseLast reports whether key_selection_opts contains "same" — the only
// recognized tag (§6): prefer the last-used key when still available.
func (c *OpenRouterConfig) UseLast() bool {
	for _, opt := range c.KeySelectionOpts {
		if opt == "same" {
			return true
		}
	}
	return false
}
