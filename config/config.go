package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound       = errors.New("configuration not found")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrInvalidConfig        = errors.New("invalid configuration")
)

// Upgrade paths of the two channels, relative to the configured base URI.
const (
	OutboundPath = "websocket/bot"
	InboundPath  = "websocket/minecraft"
)

// Config is the top-level bridge configuration.
type Config struct {
	URI        string          `yaml:"uri" env:"QQBOT_URI"`
	Name       string          `yaml:"name" env:"QQBOT_NAME"`
	Token      string          `yaml:"token" env:"QQBOT_TOKEN"`
	ClientType string          `yaml:"client_type" env:"QQBOT_CLIENT_TYPE"`
	Reconnect  ReconnectConfig `yaml:"reconnect" envPrefix:"QQBOT_RECONNECT_"`
	Timeouts   TimeoutConfig   `yaml:"timeouts" envPrefix:"QQBOT_TIMEOUT_"`
	ChatRate   RateConfig      `yaml:"chat_rate" envPrefix:"QQBOT_CHAT_"`
	Admin      AdminConfig     `yaml:"admin" envPrefix:"QQBOT_ADMIN_"`
	Log        LogConfig       `yaml:"log" envPrefix:"QQBOT_LOG_"`
}

// ReconnectConfig bounds one reconnect episode.
type ReconnectConfig struct {
	Attempts int           `yaml:"attempts" env:"ATTEMPTS"`
	Backoff  time.Duration `yaml:"backoff" env:"BACKOFF"`
	// MaxBackoff lets the spacing double per attempt up to this value.
	// Zero keeps it fixed at Backoff.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Jitter     bool          `yaml:"jitter" env:"JITTER"`
}

// TimeoutConfig holds the protocol deadlines.
type TimeoutConfig struct {
	Call         time.Duration `yaml:"call" env:"CALL"`
	Close        time.Duration `yaml:"close" env:"CLOSE"`
	StartupDelay time.Duration `yaml:"startup_delay" env:"STARTUP_DELAY"`
}

// RateConfig throttles fire-and-forget chat relay. PerSecond <= 0 disables it.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second" env:"PER_SECOND"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

// AdminConfig configures the local admin HTTP API. An empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		ClientType: "Spigot",
		Reconnect: ReconnectConfig{
			Attempts: 3,
			Backoff:  time.Second,
		},
		Timeouts: TimeoutConfig{
			Call:         5 * time.Second,
			Close:        2 * time.Second,
			StartupDelay: time.Second,
		},
		ChatRate: RateConfig{
			PerSecond: 5,
			Burst:     10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the mandatory identity fields and the numeric bounds.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.URI) == "" {
		missing = append(missing, "uri")
	}
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.URI)
	if err != nil {
		return fmt.Errorf("%w: uri: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: uri scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("%w: reconnect.attempts must not be negative", ErrInvalidConfig)
	}
	if c.Timeouts.Call <= 0 {
		return fmt.Errorf("%w: timeouts.call must be positive", ErrInvalidConfig)
	}
	return nil
}

// Endpoint resolves path against the base URI. The base is treated as a
// directory, so "ws://host/bridge" and "ws://host/bridge/" resolve alike.
func (c *Config) Endpoint(path string) (string, error) {
	base, err := url.Parse(c.URI)
	if err != nil {
		return "", fmt.Errorf("%w: uri: %v", ErrInvalidConfig, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrInvalidConfig, path, err)
	}
	return base.ResolveReference(ref).String(), nil
}
