// Package server provides configuration helpers that define runtime defaults,
// validation, and store settings for the roomchat service.
package server

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const (
	defaultPort           = ":3001"
	defaultMaxMessageSize = 4096
	defaultRoomID         = "general"
	defaultFallbackName   = "Anonymous"
	defaultLookupTimeout  = 2 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultShutdown       = 10 * time.Second
	defaultNatsSubject    = "roomchat.messages"
	defaultRedisPrefix    = "roomchat"
)

// Config holds the server configuration settings including security controls
// and optional store endpoints.
type Config struct {
	Port           string        `env:"PORT" envDefault:"3001"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3001"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RoomID         string        `env:"ROOM_ID" envDefault:"general"`
	FallbackName   string        `env:"FALLBACK_NAME" envDefault:"Anonymous"`
	LookupTimeout  time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"2s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ShutdownAfter  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL  string `env:"DATABASE_URL"`
	RequireStore bool   `env:"REQUIRE_STORE" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"roomchat"`

	NatsURL     string `env:"NATS_URL"`
	NatsSubject string `env:"NATS_SUBJECT" envDefault:"roomchat.messages"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := &Config{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3001"},
		LogLevel:       "info",
	}
	cfg.Validate()
	return cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables fall back to their defaults.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	cfg.Validate()
	return &cfg, nil
}

// Validate replaces missing or non-positive values with defaults and
// normalizes the origin allow-list.
func (c *Config) Validate() {
	c.Port = normalizePort(c.Port)

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if strings.TrimSpace(c.RoomID) == "" {
		c.RoomID = defaultRoomID
	}
	if strings.TrimSpace(c.FallbackName) == "" {
		c.FallbackName = defaultFallbackName
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = defaultLookupTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	if c.ShutdownAfter <= 0 {
		c.ShutdownAfter = defaultShutdown
	}
	if c.NatsSubject == "" {
		c.NatsSubject = defaultNatsSubject
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = defaultRedisPrefix
	}

	c.AllowedOrigins = normalizeOrigins(c.AllowedOrigins)
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return defaultPort
	}
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}
