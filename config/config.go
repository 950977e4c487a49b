// Package config defines the relay configuration: listen addresses, relay
// identity served in the metadata document, protocol limits, storage and
// messaging backends, and the write-access policy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/nostrelay/errors"
)

// Config represents the complete relay configuration
type Config struct {
	// Listen is the address the websocket/HTTP listener binds to
	Listen string `yaml:"listen"`
	// MetricsListen is the address the Prometheus /metrics listener binds
	// to; empty disables the metrics endpoint
	MetricsListen string `yaml:"metrics_listen"`
	// RelayURL is the canonical public URL of this relay, used for binding
	// authentication challenges (e.g. "wss://relay.example.com")
	RelayURL string `yaml:"relay_url"`

	Info     Info     `yaml:"info"`
	Limits   Limits   `yaml:"limits"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`

	// AllowedPubkeys is the registration allow-list consulted when
	// restricted_writes is enabled. Empty means every pubkey is registered.
	AllowedPubkeys []string `yaml:"allowed_pubkeys"`
}

// Info holds the descriptive fields served in the relay metadata document
type Info struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	PubKey      string `yaml:"pubkey"`
	Contact     string `yaml:"contact"`
	Icon        string `yaml:"icon"`
}

// Limits holds the protocol limits enforced by the relay and advertised in
// the metadata document
type Limits struct {
	MaxSubscriptions  int           `yaml:"max_subscriptions"`
	MaxFilters        int           `yaml:"max_filters"`
	MaxLimit          int           `yaml:"max_limit"`
	MaxSubIDLength    int           `yaml:"max_subid_length"`
	DefaultQueryLimit int           `yaml:"default_query_limit"`
	AuthRequired      bool          `yaml:"auth_required"`
	RestrictedWrites  bool          `yaml:"restricted_writes"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	MaxAuthPubkeys    int           `yaml:"max_auth_pubkeys"`
	// MessageRate and MessageBurst bound inbound frames per connection
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

// Postgres holds the event store connection settings. An empty DSN selects
// the in-memory store (development and tests only).
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// NATS holds the optional firehose settings. An empty URL disables the
// firehose entirely.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns a configuration with production-safe limits
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		MetricsListen: ":9090",
		RelayURL:      "ws://localhost:8080",
		Limits: Limits{
			MaxSubscriptions:  20,
			MaxFilters:        10,
			MaxLimit:          500,
			MaxSubIDLength:    64,
			DefaultQueryLimit: 100,
			AuthRequired:      false,
			RestrictedWrites:  false,
			AuthTimeout:       10 * time.Minute,
			MaxAuthPubkeys:    16,
			MessageRate:       20,
			MessageBurst:      100,
		},
		NATS: NATS{
			SubjectPrefix: "nostr.event",
		},
	}
}

// Load reads a YAML configuration file, applying defaults for absent fields
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"listen address cannot be empty")
	}
	if c.RelayURL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"relay_url cannot be empty")
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("relay_url %q must use ws:// or wss://", c.RelayURL))
	}
	if c.Limits.MaxSubscriptions <= 0 || c.Limits.MaxFilters <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_subscriptions and max_filters must be positive")
	}
	if c.Limits.MaxLimit <= 0 || c.Limits.DefaultQueryLimit <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_limit and default_query_limit must be positive")
	}
	if c.Limits.DefaultQueryLimit > c.Limits.MaxLimit {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"default_query_limit cannot exceed max_limit")
	}
	if c.Limits.MaxSubIDLength <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_subid_length must be positive")
	}
	if c.Limits.AuthTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"auth_timeout must be positive")
	}
	if c.Limits.MaxAuthPubkeys <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_auth_pubkeys must be positive")
	}
	for _, pk := range c.AllowedPubkeys {
		if len(pk) != 64 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("allowed pubkey %q is not 64 hex characters", pk))
		}
	}
	return nil
}

// Registered reports whether pubkey is on the registration allow-list.
// An empty allow-list registers everyone.
func (c *Config) Registered(pubkey string) bool {
	if len(c.AllowedPubkeys) == 0 {
		return true
	}
	for _, pk := range c.AllowedPubkeys {
		if strings.EqualFold(pk, pubkey) {
			return true
		}
	}
	return false
}
