// Package config handles hub configuration loading from the environment and
// its validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"0000000000000000000000000000000000000000000000000000000000000000": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration, assembled from the environment.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Bridge    BridgeConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr   string // e.g. ":23456"
	APIKey string // gates all transport access
}

// AuthConfig defines token service settings.
type AuthConfig struct {
	JWTSecret         string        // required, >= 64 chars
	JWTSecretPrevious string        // optional, accepted during key rotation
	TokenTTL          time.Duration // default 1h
}

// StorageConfig defines database settings.
type StorageConfig struct {
	DatabaseURL    string // sqlite:./context.db (default), postgres://, mysql://
	MaxConnections int    // pool size; default 20
	PoolOverflow   int    // extra connections beyond the pool; default 10
}

// BridgeConfig defines the broadcast bridge target (the push process).
type BridgeConfig struct {
	Host string
	Port int
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
}

// MetricsConfig defines telemetry settings.
type MetricsConfig struct {
	Enabled bool
}

// RateLimitConfig defines the per-caller token bucket. A zero PerSecond
// disables rate limiting.
type RateLimitConfig struct {
	PerSecond int // refill rate; default 25
	Burst     int // bucket capacity; default 50
}

const (
	defaultDatabaseURL = "sqlite:./context.db"
	defaultAddr        = ":23456"
	minSecretLength    = 64
)

// Load assembles and validates configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:   envOr("LISTEN_ADDR", defaultAddr),
			APIKey: os.Getenv("API_KEY"),
		},
		Auth: AuthConfig{
			JWTSecret:         os.Getenv("JWT_SECRET_KEY"),
			JWTSecretPrevious: os.Getenv("JWT_SECRET_KEY_PREVIOUS"),
		},
		Storage: StorageConfig{
			DatabaseURL: envOr("DATABASE_URL", defaultDatabaseURL),
		},
		Bridge: BridgeConfig{
			Host: envOr("WEBSOCKET_HOST", ""),
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
	}

	ttl, err := envInt("TOKEN_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.Auth.TokenTTL = time.Duration(ttl) * time.Second

	if cfg.Storage.MaxConnections, err = envInt("MAX_CONNECTIONS", 20); err != nil {
		return nil, err
	}
	if cfg.Storage.PoolOverflow, err = envInt("POOL_OVERFLOW", 10); err != nil {
		return nil, err
	}
	if cfg.Bridge.Port, err = envInt("WEBSOCKET_PORT", 0); err != nil {
		return nil, err
	}
	cfg.Metrics.Enabled = envBool("ENABLE_PERFORMANCE_MONITORING", true)

	if cfg.RateLimit.PerSecond, err = envInt("RATE_LIMIT_PER_SECOND", 25); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Burst, err = envInt("RATE_LIMIT_BURST", 50); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET_KEY must be at least %d characters", minSecretLength)
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("JWT_SECRET_KEY is a well-known weak secret, generate a new one")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL_SECONDS must be positive")
	}
	if c.Storage.MaxConnections <= 0 || c.Storage.PoolOverflow < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive and POOL_OVERFLOW non-negative")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must be non-negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// BridgeTarget returns the base URL of the push process, or "" when no bridge
// is configured and notifications stay in-process.
func (c *Config) BridgeTarget() string {
	if c.Bridge.Host == "" || c.Bridge.Port == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", c.Bridge.Host, c.Bridge.Port)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
