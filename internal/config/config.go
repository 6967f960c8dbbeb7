// Package config loads the gateway configuration from YAML with environment
// overrides for deployment secrets.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// Config is the gateway's full configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Stream   StreamConfig   `yaml:"stream"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ReadHeaderTimeoutSeconds int    `yaml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`
}

// AuthConfig configures token issuance and the seeded admin account.
type AuthConfig struct {
	Secret          string `yaml:"secret"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
	AdminUsername   string `yaml:"admin_username"`
	AdminPassword   string `yaml:"admin_password"`
}

// DatabaseConfig configures the Postgres store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN                 string `yaml:"dsn"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// StreamConfig configures the client streaming endpoint.
type StreamConfig struct {
	WriteGraceSeconds int `yaml:"write_grace_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                     "0.0.0.0",
			Port:                     8000,
			ReadHeaderTimeoutSeconds: 10,
			IdleTimeoutSeconds:       60,
		},
		Auth: AuthConfig{
			TokenTTLSeconds: 1800,
		},
		Database: DatabaseConfig{
			QueryTimeoutSeconds: 5,
		},
		Stream: StreamConfig{
			WriteGraceSeconds: 30,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = randomSecret()
		log.Warn().Msg("no auth secret configured, generated an ephemeral one; tokens will not survive a restart")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("GATEWAY_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GATEWAY_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_USERNAME"); v != "" {
		c.Auth.AdminUsername = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		return fmt.Errorf("token_ttl_seconds must be positive, got %d", c.Auth.TokenTTLSeconds)
	}
	if c.Stream.WriteGraceSeconds <= 0 {
		return fmt.Errorf("write_grace_seconds must be positive, got %d", c.Stream.WriteGraceSeconds)
	}
	return nil
}

// TokenTTL returns the token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLSeconds) * time.Second
}

// QueryTimeout returns the store query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Database.QueryTimeoutSeconds) * time.Second
}

// WriteGrace returns the streaming write grace window as a duration.
func (c *Config) WriteGrace() time.Duration {
	return time.Duration(c.Stream.WriteGraceSeconds) * time.Second
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
