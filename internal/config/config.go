package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Relay    RelayConfig    `yaml:"relay"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RelayConfig contains outbound SMTP relay settings
type RelayConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Encryption string        `yaml:"encryption"` // starttls, tls, none
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	From       string        `yaml:"from"`
	Hostname   string        `yaml:"hostname"` // HELO name
	Timeout    time.Duration `yaml:"timeout"`
	DKIM       DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// DispatchConfig contains dispatcher tuning knobs
type DispatchConfig struct {
	Workers       int           `yaml:"workers"`        // concurrent deliveries per run
	MaxRetries    int           `yaml:"max_retries"`    // attempts per recipient
	RetryInterval time.Duration `yaml:"retry_interval"` // base backoff between retries
	SendTimeout   time.Duration `yaml:"send_timeout"`   // per-attempt timeout
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string      `yaml:"listen_addr"`
	Keys       []KeyConfig `yaml:"keys"`
}

// KeyConfig describes one API key. Hash is a bcrypt hash of the key; the
// capability set decides what the key may do (edit, delete, moderate, send).
type KeyConfig struct {
	Name         string   `yaml:"name"`
	UserID       string   `yaml:"user_id"`
	Hash         string   `yaml:"hash"`
	Capabilities []string `yaml:"capabilities"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/bulletin/bulletin.db"
	}

	if c.Relay.Port == 0 {
		c.Relay.Port = 587
	}
	if c.Relay.Encryption == "" {
		c.Relay.Encryption = "starttls"
	}
	if c.Relay.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Relay.Hostname = hostname
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 5
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = 2 * time.Second
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Relay.Encryption {
	case "starttls", "tls", "none":
	default:
		return fmt.Errorf("relay.encryption must be starttls, tls or none, got %q", c.Relay.Encryption)
	}

	if c.Relay.DKIM.Enabled {
		if c.Relay.DKIM.Domain == "" || c.Relay.DKIM.Selector == "" || c.Relay.DKIM.KeyFile == "" {
			return fmt.Errorf("relay.dkim requires domain, selector and key_file when enabled")
		}
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}

	for i, key := range c.API.Keys {
		if key.Name == "" {
			return fmt.Errorf("api.keys[%d]: name is required", i)
		}
		if key.Hash == "" {
			return fmt.Errorf("api.keys[%d]: hash is required", i)
		}
		for _, capability := range key.Capabilities {
			switch capability {
			case "edit", "delete", "moderate", "send":
			default:
				return fmt.Errorf("api.keys[%d]: unknown capability %q", i, capability)
			}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// ValidateRelay checks that the relay is usable for sending. Kept separate
// from Validate so read-only commands work without transport settings.
func (c *Config) ValidateRelay() error {
	if c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required")
	}
	if c.Relay.From == "" {
		return fmt.Errorf("relay.from is required")
	}
	return nil
}
