// Package config handles ditctld's on-disk configuration: the
// accelerator device candidate list, the upstream/downstream interface
// patterns, and event-poll characteristics.
//
// Config is stored at $XDG_CONFIG_HOME/ditctld/config.yaml (defaults to
// ~/.config/ditctld/config.yaml).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds ditctld's tunable, operator-overridable settings. Every
// field has a usable zero value — an empty Config is a valid default
// configuration (callers apply DefaultDevices etc. when a slice is
// nil), matching the module's own fall-back-to-defaults-on-missing-file
// load convention.
type Config struct {
	// Devices is the accelerator character device candidate list, in
	// priority order. Empty means the Ioctl Gateway's own default.
	Devices []string `yaml:"devices,omitempty"`

	// UpstreamPattern and DownstreamPattern are interface-name regular
	// expressions. They are loaded and saved but not applied: Offload
	// Control always validates against its built-in patterns.
	UpstreamPattern   string `yaml:"upstream-pattern,omitempty"`
	DownstreamPattern string `yaml:"downstream-pattern,omitempty"`

	// EventPollTimeoutMillis is an event-poll timeout in milliseconds. It
	// is loaded and saved but not applied: the event-poll worker always
	// uses its own fixed 1000ms poll timeout.
	EventPollTimeoutMillis int `yaml:"event-poll-timeout-ms,omitempty"`

	// Debug is a verbose-logging switch. It is loaded and saved but not
	// applied: ditctld takes its log level from the --debug flag only.
	Debug bool `yaml:"debug,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/ditctld/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "ditctld", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ditctld", "config.yaml")
}

// Load reads the config file at path. If the file does not exist, an
// empty (all-defaults) Config is returned, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
