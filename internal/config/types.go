// Package config holds the tool configuration loaded from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultStateDir is where pool definitions and autostart links live.
	DefaultStateDir = "/etc/cistern/storage"

	// DefaultLogLevel is used when the config does not set one.
	DefaultLogLevel = "info"
)

// Config represents the complete tool configuration.
type Config struct {
	// StateDir is the directory holding persisted pool definitions.
	StateDir string `yaml:"state_dir,omitempty"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
	// Autostart controls whether autostart-marked pools are started when
	// the tool loads its state.
	Autostart *bool `yaml:"autostart,omitempty"` // Pointer to distinguish unset vs false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Autostart == nil {
		autostart := true
		c.Autostart = &autostart
	}
}

// Load reads and validates a configuration file. A missing path yields the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
