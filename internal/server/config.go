// Package server wires the chat broker to its HTTP surface: configuration,
// routing, the websocket upgrade, and the reporting endpoints.
package server

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime knob for the service. All fields come from the
// environment with the CHAT prefix, e.g. CHAT_ADDR or CHAT_CLIENT_TIMEOUT.
type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`
	Env  string `envconfig:"ENV" default:"dev"`

	// AllowedOrigins is the comma-separated websocket origin allow-list.
	// A single "*" allows every origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`

	MaxMessageSize    int64         `envconfig:"MAX_MESSAGE_SIZE" default:"512"`
	RateLimitBurst    int64         `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitInterval time.Duration `envconfig:"RATE_LIMIT_INTERVAL" default:"1s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	ClientTimeout     time.Duration `envconfig:"CLIENT_TIMEOUT" default:"10s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoadConfig reads the configuration from the environment, applying the
// struct defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("chat", &cfg)
	return cfg, err
}
