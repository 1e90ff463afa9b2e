// Package client implements the roomchat connection lifecycle: a state
// machine that connects to the server, declares the user's identity, gates
// sends on connection state, and reconnects with capped exponential backoff
// until it is explicitly disconnected.
package client

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const (
	defaultBackendURL       = "http://localhost:3001"
	defaultReconnectDelay   = time.Second
	defaultReconnectMax     = 5 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
)

// Config holds client settings.
type Config struct {
	BackendURL        string        `env:"BACKEND_URL" envDefault:"http://localhost:3001"`
	Origin            string        `env:"CLIENT_ORIGIN"`
	UserID            string        `env:"USER_ID"`
	Username          string        `env:"USERNAME"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	ReconnectDelayMax time.Duration `env:"RECONNECT_DELAY_MAX" envDefault:"5s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"20s"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Validate()
	return cfg
}

// NewConfigFromEnv reads a Config from the environment.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	cfg.Validate()
	return &cfg, nil
}

// Validate fills in defaults for unset or non-positive values.
func (c *Config) Validate() {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	if c.BackendURL == "" {
		c.BackendURL = defaultBackendURL
	}
	if c.Origin == "" {
		c.Origin = c.BackendURL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = defaultReconnectMax
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = c.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// WebSocketURL derives the server's WebSocket endpoint from BackendURL.
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse backend url %q", c.BackendURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("backend url %q has no host", c.BackendURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
