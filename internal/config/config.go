// Package config provides gateway configuration loaded from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/service-gateway/pkg/gateway"
)

const logPrefix = "config:LoadConfig"

// Config holds service-gateway configuration.
type Config struct {
	// WebSocket listener for out-of-process services.
	ListenAddr string `envconfig:"GATEWAY_LISTEN_ADDR" default:"0.0.0.0:3474"`

	// Broker queueing.
	MailboxCapacity int `envconfig:"GATEWAY_MAILBOX_CAPACITY" default:"32"`

	// Handler ownership when two services register the same method:
	// "first-wins" (default) or "last-wins".
	OwnershipPolicy string `envconfig:"GATEWAY_OWNERSHIP_POLICY" default:"first-wins"`

	// Provider challenges.
	ProviderTimeout time.Duration `envconfig:"GATEWAY_PROVIDER_TIMEOUT" default:"15s"`

	// Reconnect backoff bounds for service clients embedded in this process.
	BackoffInitial time.Duration `envconfig:"GATEWAY_BACKOFF_INITIAL" default:"1s"`
	BackoffMax     time.Duration `envconfig:"GATEWAY_BACKOFF_MAX" default:"60s"`

	// COMMS: connect to standalone NATS at COMMSURL. Empty disables the
	// bus-backed endpoint broker.
	COMMSURL       string        `envconfig:"COMMS_URL"`
	COMMSName      string        `envconfig:"SERVICE_NAME" default:"service-gateway"`
	COMMSSubject   string        `envconfig:"COMMS_SUBJECT_PREFIX" default:"gw.svc"`
	RequestTimeout time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"10s"`

	// HTTP health endpoint.
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Policy normalizes the configured ownership policy.
func (c *Config) Policy() string {
	if c.OwnershipPolicy == gateway.PolicyLastWins {
		return gateway.PolicyLastWins
	}
	return gateway.PolicyFirstWins
}

// ValidateForServe checks required config when running the gateway server.
func (c *Config) ValidateForServe() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%s - GATEWAY_LISTEN_ADDR is required for serve", logPrefix)
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("%s - GATEWAY_MAILBOX_CAPACITY must be positive", logPrefix)
	}
	switch c.OwnershipPolicy {
	case gateway.PolicyFirstWins, gateway.PolicyLastWins:
	default:
		return fmt.Errorf("%s - GATEWAY_OWNERSHIP_POLICY must be first-wins or last-wins", logPrefix)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_PROVIDER_TIMEOUT must be positive", logPrefix)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("%s - backoff bounds must satisfy 0 < GATEWAY_BACKOFF_INITIAL <= GATEWAY_BACKOFF_MAX", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}
