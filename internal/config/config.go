package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskgrid.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
	} `yaml:"auth"`
	Locks struct {
		TTL string `yaml:"ttl"`
	} `yaml:"locks"`
	Levels struct {
		Intermediate int `yaml:"intermediate"`
		Advanced     int `yaml:"advanced"`
	} `yaml:"levels"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Actions        []string `yaml:"actions"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// LockTTL parses the configured lock staleness threshold.
func (c *Config) LockTTL() time.Duration {
	d, err := time.ParseDuration(c.Locks.TTL)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Locks.TTL != "" {
		if _, err := time.ParseDuration(c.Locks.TTL); err != nil {
			return fmt.Errorf("config.locks.ttl: %w", err)
		}
	}
	if c.Levels.Intermediate < 0 || c.Levels.Advanced < 0 {
		return fmt.Errorf("config.levels thresholds must not be negative")
	}
	if c.Levels.Advanced > 0 && c.Levels.Intermediate > 0 && c.Levels.Advanced <= c.Levels.Intermediate {
		return fmt.Errorf("config.levels.advanced must exceed config.levels.intermediate")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgrid.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/api/v2"
	cfg.Locks.TTL = "2h"
	cfg.Levels.Intermediate = 250
	cfg.Levels.Advanced = 500
	return &cfg
}
