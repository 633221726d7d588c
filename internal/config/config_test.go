package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nixforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database: /var/lib/nixforge/fleet.db
worker:
  max_concurrent_builds: 4
  host_max_builds: 8
  poll_interval: 30s
  stale_after: 10m
  max_attempts: 3
  require_cache: true
build:
  command: ["nix", "build", "--no-link", "--print-out-paths", "--option", "substituters", "https://cache.example.org"]
  memory_max_bytes: 4294967296
  cpu_seconds: 7200
  timeout: 1h
  silence_timeout: 5m
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nixforge/fleet.db", cfg.Database)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentBuilds)
	assert.Equal(t, 8, cfg.Worker.HostMaxBuilds)
	assert.Equal(t, 30*time.Second, cfg.Worker.PollInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Worker.StaleAfter.Std())
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.True(t, cfg.Worker.RequireCache)
	assert.Equal(t, uint64(4<<30), cfg.Build.MemoryMaxBytes)
	assert.Equal(t, uint64(7200), cfg.Build.CPUSeconds)
	assert.Equal(t, time.Hour, cfg.Build.Timeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Build.SilenceTimeout.Std())
	assert.Contains(t, cfg.Build.Command, "substituters")
}

func TestLoad_PartialFileKeepsOtherDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "worker:\n  max_attempts: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Worker.MaxAttempts)
	assert.Equal(t, Default().Worker.PollInterval, cfg.Worker.PollInterval)
	assert.Equal(t, Default().Build.Command, cfg.Build.Command)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "worker:\n  poll_interval: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errHas string
	}{
		{"no database", func(c *Config) { c.Database = "" }, "database"},
		{"zero workers", func(c *Config) { c.Worker.MaxConcurrentBuilds = 0 }, "max_concurrent_builds"},
		{"host cap below worker cap", func(c *Config) { c.Worker.HostMaxBuilds = 1; c.Worker.MaxConcurrentBuilds = 2 }, "host_max_builds"},
		{"zero poll interval", func(c *Config) { c.Worker.PollInterval = 0 }, "poll_interval"},
		{"zero staleness window", func(c *Config) { c.Worker.StaleAfter = 0 }, "stale_after"},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }, "max_attempts"},
		{"no build command", func(c *Config) { c.Build.Command = nil }, "build.command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errHas)
		})
	}
}
