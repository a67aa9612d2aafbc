package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m"
// or plain integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all AI-notary configuration.
type Config struct {
	Provider    string                    `yaml:"provider"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Temperature float64                   `yaml:"temperature"`
	MaxTokens   int                       `yaml:"max_tokens"`
	Cache       CacheConfig               `yaml:"cache"`
	Retry       RetryConfig               `yaml:"retry"`
}

// ProviderConfig defines an upstream AI provider endpoint.
type ProviderConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// MaxTokensCeiling caps the response-length budget sent to this provider.
	// Requests above the ceiling are clamped before dispatch.
	MaxTokensCeiling int `yaml:"max_tokens_ceiling"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
	Path    string   `yaml:"path"`
}

// RetryConfig controls the outbound retry policy. Attempts and delays are
// kept low on purpose: a user waiting on a page should see a fast failure
// rather than a long hang.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffFactor  float64  `yaml:"backoff_factor"`
	RetryStatuses  []int    `yaml:"retry_statuses"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

// Retryable reports whether an HTTP status code is in the retryable set.
func (r RetryConfig) Retryable(status int) bool {
	for _, s := range r.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Default returns a Config with sensible defaults. Provider API keys are
// picked up from the environment so a config file is optional.
func Default() *Config {
	return &Config{
		Provider: "openai",
		Providers: map[string]ProviderConfig{
			"openai": {
				URL:              "https://api.openai.com/v1/chat/completions",
				APIKey:           os.Getenv("OPENAI_API_KEY"),
				Model:            "gpt-3.5-turbo",
				MaxTokensCeiling: 500,
			},
			"deepseek": {
				URL:              "https://api.deepseek.com/v1/chat/completions",
				APIKey:           os.Getenv("DEEPSEEK_API_KEY"),
				Model:            "deepseek-chat",
				MaxTokensCeiling: 600,
			},
		},
		Temperature: 0.2,
		MaxTokens:   800,
		Cache: CacheConfig{
			Enabled: true,
			TTL:     Duration(time.Hour),
			Path:    "api_cache.db",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBase:    Duration(500 * time.Millisecond),
			BackoffFactor:  1.5,
			RetryStatuses:  []int{429, 500, 502, 503, 504},
			ConnectTimeout: Duration(5 * time.Second),
			ReadTimeout:    Duration(30 * time.Second),
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.fillProviderDefaults()
	return cfg, nil
}

// fillProviderDefaults backfills endpoint fields for the built-in providers
// so a config file only needs to list what it overrides.
func (c *Config) fillProviderDefaults() {
	defaults := Default().Providers
	for name, p := range c.Providers {
		d, ok := defaults[name]
		if !ok {
			continue
		}
		if p.URL == "" {
			p.URL = d.URL
		}
		if p.APIKey == "" {
			p.APIKey = d.APIKey
		}
		if p.Model == "" {
			p.Model = d.Model
		}
		if p.MaxTokensCeiling == 0 {
			p.MaxTokensCeiling = d.MaxTokensCeiling
		}
		c.Providers[name] = p
	}
}

// Active resolves the configured provider selection.
func (c *Config) Active() (ProviderConfig, error) {
	p, ok := c.Providers[c.Provider]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider %q", c.Provider)
	}
	return p, nil
}

// Validate checks that the active provider is usable.
func (c *Config) Validate() error {
	p, err := c.Active()
	if err != nil {
		return err
	}
	if p.URL == "" {
		return fmt.Errorf("provider %q: missing url", c.Provider)
	}
	if p.APIKey == "" {
		return fmt.Errorf("provider %q: missing api_key", c.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
