package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":4566", cfg.Server.Addr)
	assert.Equal(t, "us-east-1", cfg.Identity.Region)
	assert.Equal(t, "fdb", cfg.Store.Type)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("/nonexistent/mimiq.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9324"
identity:
  region: eu-west-1
  account_id: "123456789012"
store:
  type: memory
sweep:
  fanout_interval: 2s
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9324", cfg.Server.Addr)
	assert.Equal(t, "eu-west-1", cfg.Identity.Region)
	assert.Equal(t, "123456789012", cfg.Identity.AccountID)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 2*time.Second, cfg.Sweep.FanoutInterval)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Sweep.DepthInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"empty region", func(c *Config) { c.Identity.Region = "" }},
		{"empty account", func(c *Config) { c.Identity.AccountID = "" }},
		{"unknown store", func(c *Config) { c.Store.Type = "postgres" }},
		{"fdb without directory", func(c *Config) { c.Store.Directory = "" }},
		{"fanout interval too small", func(c *Config) { c.Sweep.FanoutInterval = 10 * time.Millisecond }},
		{"depth interval too small", func(c *Config) { c.Sweep.DepthInterval = 10 * time.Millisecond }},
		{"poll interval too small", func(c *Config) { c.Sweep.PollInterval = time.Millisecond }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "logfmt" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
