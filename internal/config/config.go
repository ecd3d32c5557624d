// ABOUTME: Configuration loading and parsing for the careline client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete careline client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds backend endpoint configuration.
type ServerConfig struct {
	// APIBaseURL is the REST base, e.g. https://api.example.com/v1
	APIBaseURL string `yaml:"api_base_url"`
	// WSBaseURL is the websocket base, e.g. wss://api.example.com/ws
	WSBaseURL string `yaml:"ws_base_url"`
}

// AuthConfig holds credential lookup configuration.
type AuthConfig struct {
	// TokenEnvVar names the environment variable checked first for the
	// bearer token.
	TokenEnvVar string `yaml:"token_env_var"`
	// TokenFile is an optional fallback path for the token.
	TokenFile string `yaml:"token_file"`
}

// ChatConfig holds conversation timing configuration.
type ChatConfig struct {
	SendTimeout     time.Duration `yaml:"-"`
	EchoMatchWindow time.Duration `yaml:"-"`
	RefreshInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SendTimeoutRaw     string `yaml:"send_timeout"`
	EchoMatchWindowRaw string `yaml:"echo_match_window"`
	RefreshIntervalRaw string `yaml:"refresh_min_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding setting is absent.
const (
	DefaultSendTimeout     = 30 * time.Second
	DefaultEchoMatchWindow = 3 * time.Second
	DefaultRefreshInterval = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.APIBaseURL == "" {
		return fmt.Errorf("server.api_base_url is required")
	}
	if c.Server.WSBaseURL == "" {
		return fmt.Errorf("server.ws_base_url is required")
	}
	if c.Chat.EchoMatchWindow >= c.Chat.SendTimeout {
		return fmt.Errorf("chat.echo_match_window must be shorter than chat.send_timeout")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.SendTimeoutRaw != "" {
		cfg.Chat.SendTimeout, err = time.ParseDuration(cfg.Chat.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Chat.SendTimeoutRaw, err)
		}
	}

	if cfg.Chat.EchoMatchWindowRaw != "" {
		cfg.Chat.EchoMatchWindow, err = time.ParseDuration(cfg.Chat.EchoMatchWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing echo_match_window %q: %w", cfg.Chat.EchoMatchWindowRaw, err)
		}
	}

	if cfg.Chat.RefreshIntervalRaw != "" {
		cfg.Chat.RefreshInterval, err = time.ParseDuration(cfg.Chat.RefreshIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing refresh_min_interval %q: %w", cfg.Chat.RefreshIntervalRaw, err)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Chat.SendTimeout == 0 {
		cfg.Chat.SendTimeout = DefaultSendTimeout
	}
	if cfg.Chat.EchoMatchWindow == 0 {
		cfg.Chat.EchoMatchWindow = DefaultEchoMatchWindow
	}
	if cfg.Chat.RefreshInterval == 0 {
		cfg.Chat.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Auth.TokenEnvVar == "" {
		cfg.Auth.TokenEnvVar = "CARELINE_TOKEN"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
