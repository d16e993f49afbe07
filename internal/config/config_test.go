package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Agent.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Agent.PrintTimeout)
	assert.Equal(t, 3*time.Second, cfg.Agent.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Agent.ReconnectDelay)
	assert.Zero(t, cfg.Agent.ReconnectJitter)
	require.NoError(t, cfg.Validate())

	_, ok := cfg.PrintDeadline()
	assert.False(t, ok)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hackops.yaml")

	configContent := `
store:
  driver: sqlite
  path: /var/lib/hackops/store.db
  poll_interval: 250ms

photos:
  prefix: booth

event:
  print_deadline: 2026-03-15T17:00:00Z

agent:
  id: booth-printer-1
  max_attempts: 5
  print_timeout: 20s
  keep_awake: systemd
  printer:
    driver: sim
    failure_rate: 0.2

log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/hackops/store.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.PollInterval)
	assert.Equal(t, "booth", cfg.Photos.Prefix)
	assert.Equal(t, "booth-printer-1", cfg.Agent.ID)
	assert.Equal(t, 5, cfg.Agent.MaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Agent.PrintTimeout)
	assert.Equal(t, "sim", cfg.Agent.Printer.Driver)
	assert.InDelta(t, 0.2, cfg.Agent.Printer.FailureRate, 1e-9)
	assert.Equal(t, "json", cfg.Log.Format)

	// Values absent from the file keep their defaults.
	assert.Equal(t, 3*time.Second, cfg.Agent.RetryDelay)
	assert.Equal(t, ":50051", cfg.Server.Listen)

	deadline, ok := cfg.PrintDeadline()
	require.True(t, ok)
	assert.True(t, deadline.Equal(time.Date(2026, 3, 15, 17, 0, 0, 0, time.UTC)))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DriverBadger, cfg.Store.Driver)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("agent: [unclosed"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hackops.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("agent:\n  print_timeout: 20s\n"), 0644))

	t.Setenv("HACKOPS_AGENT_PRINT_TIMEOUT", "12s")
	t.Setenv("HACKOPS_AGENT_PRINTER_DRIVER", "sim")
	t.Setenv("HACKOPS_STORE_DRIVER", "sqlite")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.Agent.PrintTimeout)
	assert.Equal(t, "sim", cfg.Agent.Printer.Driver)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"zero attempts", func(c *Config) { c.Agent.MaxAttempts = 0 }},
		{"zero print timeout", func(c *Config) { c.Agent.PrintTimeout = 0 }},
		{"negative retry delay", func(c *Config) { c.Agent.RetryDelay = -time.Second }},
		{"zero heartbeat", func(c *Config) { c.Agent.HeartbeatInterval = 0 }},
		{"zero reconnect", func(c *Config) { c.Agent.ReconnectDelay = 0 }},
		{"negative jitter", func(c *Config) { c.Agent.ReconnectJitter = -time.Second }},
		{"unknown keep awake", func(c *Config) { c.Agent.KeepAwake = "caffeinate" }},
		{"empty photo prefix", func(c *Config) { c.Photos.Prefix = "/" }},
		{"failure rate above one", func(c *Config) {
			c.Agent.Printer.Driver = "sim"
			c.Agent.Printer.FailureRate = 1.5
		}},
		{"empty printer command", func(c *Config) { c.Agent.Printer.Command = " " }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
