// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Overlay server connection settings, shared by the event and control links.
	Overlay OverlayConfig `yaml:"overlay"`

	// Message broker settings.
	MServer MServerConfig `yaml:"mserver"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Status endpoint configuration
	Status StatusConfig `yaml:"status"`
}

// OverlayConfig holds overlay server connection settings.
type OverlayConfig struct {
	Host           string        `envconfig:"OVERLAY_HOST" yaml:"host"`
	Port           int           `envconfig:"OVERLAY_PORT" yaml:"port"`
	AckTimeout     time.Duration `envconfig:"OVERLAY_ACK_TIMEOUT" yaml:"ack_timeout"`
	DialTimeout    time.Duration `envconfig:"OVERLAY_DIAL_TIMEOUT" yaml:"dial_timeout"`
	ReconnectDelay time.Duration `envconfig:"OVERLAY_RECONNECT_DELAY" yaml:"reconnect_delay"`
	MaxAckTimeouts int           `envconfig:"OVERLAY_MAX_ACK_TIMEOUTS" yaml:"max_ack_timeouts"`
}

// MServerConfig holds message broker settings.
type MServerConfig struct {
	Type          string        `envconfig:"MSERVER_TYPE" yaml:"type"`
	URL           string        `envconfig:"MSERVER_URL" yaml:"url"`
	SubscribeNode string        `envconfig:"MSERVER_SUBSCRIBE_NODE" yaml:"subscribe_node"`
	PublishNode   string        `envconfig:"MSERVER_PUBLISH_NODE" yaml:"publish_node"`
	CloseDelay    time.Duration `envconfig:"MSERVER_CLOSE_DELAY" yaml:"close_delay"`
	ErrorDelay    time.Duration `envconfig:"MSERVER_ERROR_DELAY" yaml:"error_delay"`
	KafkaVersion  string        `envconfig:"MSERVER_KAFKA_VERSION" yaml:"kafka_version"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"BRIDGE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"BRIDGE_LOG_FORMAT" yaml:"format"`
}

// StatusConfig holds settings for the health and metrics endpoint.
type StatusConfig struct {
	Enabled bool   `envconfig:"BRIDGE_STATUS_ENABLED" yaml:"enabled"`
	Address string `envconfig:"BRIDGE_STATUS_ADDRESS" yaml:"address"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Overlay = OverlayConfig{
		Host:           "localhost",
		Port:           5001,
		AckTimeout:     2 * time.Second,
		DialTimeout:    5 * time.Second,
		ReconnectDelay: time.Second,
		MaxAckTimeouts: 3,
	}

	cfg.MServer = MServerConfig{
		Type:          "mhub",
		URL:           "ws://localhost:13900",
		SubscribeNode: "default",
		PublishNode:   "default",
		CloseDelay:    time.Second,
		ErrorDelay:    10 * time.Second,
		KafkaVersion:  "2.8.0",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Status = StatusConfig{
		Enabled: true,
		Address: ":9130",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Overlay validation
	if c.Overlay.Host == "" {
		errs = append(errs, "overlay.host is required")
	}
	if c.Overlay.Port < 1 || c.Overlay.Port > 65535 {
		errs = append(errs, "overlay.port must be between 1 and 65535")
	}
	if c.Overlay.AckTimeout <= 0 {
		errs = append(errs, "overlay.ack_timeout must be positive")
	}
	if c.Overlay.ReconnectDelay <= 0 {
		errs = append(errs, "overlay.reconnect_delay must be positive")
	}
	if c.Overlay.MaxAckTimeouts < 1 {
		errs = append(errs, "overlay.max_ack_timeouts must be at least 1")
	}

	// Broker validation
	validTypes := map[string]bool{"mhub": true, "nats": true, "kafka": true, "redis": true, "memory": true}
	if !validTypes[c.MServer.Type] {
		errs = append(errs, fmt.Sprintf("invalid mserver type: %s (must be mhub, nats, kafka, redis, or memory)", c.MServer.Type))
	}
	if c.MServer.URL == "" && c.MServer.Type != "memory" {
		errs = append(errs, "mserver.url is required")
	}
	if c.MServer.SubscribeNode == "" {
		errs = append(errs, "mserver.subscribe_node is required")
	}
	if c.MServer.PublishNode == "" {
		errs = append(errs, "mserver.publish_node is required")
	}
	if c.MServer.CloseDelay <= 0 || c.MServer.ErrorDelay <= 0 {
		errs = append(errs, "mserver reconnect delays must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Status.Enabled && c.Status.Address == "" {
		errs = append(errs, "status.address is required when status is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the overlay server address.
func (c OverlayConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
