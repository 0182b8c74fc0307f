// Package config loads the emulator configuration from a YAML file with
// sensible defaults for local use.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the emulator.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Store    StoreConfig    `yaml:"store"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig is the fixed AWS identity the emulator answers as. Requests
// carry their own region in the credential header; this region is the
// fallback when none is present.
type IdentityConfig struct {
	Region    string `yaml:"region"`
	AccountID string `yaml:"account_id"`
}

// StoreConfig holds storage backend settings.
type StoreConfig struct {
	Type string `yaml:"type"` // memory, fdb

	// Directory is the FoundationDB directory-layer path all keys live under.
	Directory string `yaml:"directory"`
}

// SweepConfig holds the intervals of the background loops.
type SweepConfig struct {
	FanoutInterval time.Duration `yaml:"fanout_interval"`
	DepthInterval  time.Duration `yaml:"depth_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4566",
			ShutdownTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			Region:    "us-east-1",
			AccountID: "000000000000",
		},
		Store: StoreConfig{
			Type:      "fdb",
			Directory: "mimiq",
		},
		Sweep: SweepConfig{
			FanoutInterval: 5 * time.Second,
			DepthInterval:  10 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing or empty filename
// yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Identity.Region == "" {
		return fmt.Errorf("identity.region cannot be empty")
	}
	if c.Identity.AccountID == "" {
		return fmt.Errorf("identity.account_id cannot be empty")
	}
	validStores := map[string]bool{"memory": true, "fdb": true}
	if !validStores[c.Store.Type] {
		return fmt.Errorf("store.type must be one of: memory, fdb")
	}
	if c.Store.Type == "fdb" && c.Store.Directory == "" {
		return fmt.Errorf("store.directory required when type is fdb")
	}
	if c.Sweep.FanoutInterval < time.Second {
		return fmt.Errorf("sweep.fanout_interval must be at least 1 second")
	}
	if c.Sweep.DepthInterval < time.Second {
		return fmt.Errorf("sweep.depth_interval must be at least 1 second")
	}
	if c.Sweep.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("sweep.poll_interval must be at least 100ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}
