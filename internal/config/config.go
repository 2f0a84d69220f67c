// Package config loads and validates the server configuration from
// environment variables (LICENSED_ prefix) with an optional YAML file
// overlay for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Engine   EngineConfig   `yaml:"engine" envconfig:"ENGINE"`
	Keys     KeysConfig     `yaml:"keys" envconfig:"KEYS"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// SecurityConfig contains request-level protections.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// EngineConfig contains the consumption engine tunables.
type EngineConfig struct {
	// HomeRegion is stamped into license and grant ARNs.
	HomeRegion string `yaml:"home_region" envconfig:"HOME_REGION" default:"us-east-1"`
	// ReaperInterval is how often expired checkout records are swept and
	// their reserved capacity reclaimed.
	ReaperInterval time.Duration `yaml:"reaper_interval" envconfig:"REAPER_INTERVAL" default:"30s"`
	// AccessTokenTTL bounds the lifetime of exchanged access tokens.
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" envconfig:"ACCESS_TOKEN_TTL" default:"1h"`
	// RoleAssumeMaxAttempts bounds retries against role propagation delay.
	RoleAssumeMaxAttempts int `yaml:"role_assume_max_attempts" envconfig:"ROLE_ASSUME_MAX_ATTEMPTS" default:"5"`
	// RoleAssumeBackoff is the initial backoff between role-assume retries;
	// it doubles per attempt.
	RoleAssumeBackoff time.Duration `yaml:"role_assume_backoff" envconfig:"ROLE_ASSUME_BACKOFF" default:"200ms"`
}

// KeysConfig contains signing keyring configuration.
type KeysConfig struct {
	// Bits is the RSA modulus size for generated license signing keys.
	Bits int `yaml:"bits" envconfig:"BITS" default:"4096"`
	// File is an optional path to an encrypted keyring to load on start
	// and persist on shutdown.
	File string `yaml:"file" envconfig:"FILE"`
	// PassphraseEnv names the environment variable holding the keyring
	// passphrase. The passphrase itself never appears in config.
	PassphraseEnv string `yaml:"passphrase_env" envconfig:"PASSPHRASE_ENV" default:"LICENSED_KEYRING_PASSPHRASE"`
}

// Load loads configuration from environment variables and an optional
// config file named by LICENSED_CONFIG_FILE.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("LICENSED", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := os.Getenv("LICENSED_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// File values overlay env-derived defaults for any key present.
	return yaml.Unmarshal(data, c)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Engine.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive: %s", c.Engine.ReaperInterval)
	}
	if c.Engine.RoleAssumeMaxAttempts < 1 {
		return fmt.Errorf("role assume max attempts must be at least 1: %d", c.Engine.RoleAssumeMaxAttempts)
	}
	if c.Keys.Bits < 2048 {
		return fmt.Errorf("signing key size too small: %d bits", c.Keys.Bits)
	}
	return nil
}
