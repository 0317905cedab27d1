// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the room broker.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	SendBufferSize  int
	Env             string
	LogLevel        string
	PublicWSURL     string
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
		},
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SendBufferSize:  256,
		Env:             "dev",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sanitize fills zero or invalid fields with defaults and normalizes the
// origin list.
func (c Config) Sanitize() Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}

	if c.Env == "" {
		c.Env = def.Env
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()

	// SERVER_PORT wins over the more generic PORT
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Env = env
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.PublicWSURL = os.Getenv("PUBLIC_WS_URL")

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
