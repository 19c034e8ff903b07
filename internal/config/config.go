// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Auth      AuthConfig       `yaml:"auth"`
	Prompts   PromptsConfig    `yaml:"prompts"`
	Session   SessionConfig    `yaml:"session"`
	Retry     RetryConfig      `yaml:"retry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// ProviderConfig identifies one OpenAI-compatible upstream endpoint
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AuthConfig holds authentication configuration. When JWTSecret is empty the
// API runs unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PromptsConfig points to an optional TOML file of system-prompt presets
type PromptsConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds session timing configuration
type SessionConfig struct {
	StopGracePeriod time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StopGracePeriodRaw string `yaml:"stop_grace_period"`
}

// RetryConfig tunes upstream retry behavior
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"-"`
	MaxElapsed      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InitialIntervalRaw string `yaml:"initial_interval"`
	MaxElapsedRaw      string `yaml:"max_elapsed"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for i, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d].base_url is required", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.StopGracePeriodRaw != "" {
		cfg.Session.StopGracePeriod, err = time.ParseDuration(cfg.Session.StopGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing stop_grace_period %q: %w", cfg.Session.StopGracePeriodRaw, err)
		}
	}

	if cfg.Retry.InitialIntervalRaw != "" {
		cfg.Retry.InitialInterval, err = time.ParseDuration(cfg.Retry.InitialIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing initial_interval %q: %w", cfg.Retry.InitialIntervalRaw, err)
		}
	}

	if cfg.Retry.MaxElapsedRaw != "" {
		cfg.Retry.MaxElapsed, err = time.ParseDuration(cfg.Retry.MaxElapsedRaw)
		if err != nil {
			return fmt.Errorf("parsing max_elapsed %q: %w", cfg.Retry.MaxElapsedRaw, err)
		}
	}

	return nil
}
