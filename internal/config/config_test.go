package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/errdefs"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tidesync.db", cfg.StoreURI)
	assert.Equal(t, 7843, cfg.BindPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxGlobalConcurrentProcesses)
	assert.Equal(t, 2, cfg.ScanConcurrentMax)
	assert.Equal(t, time.Hour, cfg.TransferDefaultTimeout())
	assert.Equal(t, time.Minute, cfg.QueueSyncInterval())
	assert.Equal(t, 5*time.Minute, cfg.RecoveryTickInterval())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STORE_URI", ":memory:")
	t.Setenv("BIND_PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SCAN_CONCURRENT_MAX", "4")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.StoreURI)
	assert.Equal(t, 9000, cfg.BindPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.ScanConcurrentMax)
}

func TestValidateBounds(t *testing.T) {
	base := func() Config {
		return Config{
			StoreURI:                     ":memory:",
			BindPort:                     7843,
			LogLevel:                     "info",
			MaxGlobalConcurrentProcesses: 10,
			ScanConcurrentMax:            2,
			TransferDefaultTimeoutMs:     60_000,
			QueueSyncIntervalMs:          60_000,
			RecoveryTickIntervalMs:       60_000,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store uri", func(c *Config) { c.StoreURI = "" }},
		{"port zero", func(c *Config) { c.BindPort = 0 }},
		{"port too high", func(c *Config) { c.BindPort = 70000 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"zero processes", func(c *Config) { c.MaxGlobalConcurrentProcesses = 0 }},
		{"zero scan cap", func(c *Config) { c.ScanConcurrentMax = 0 }},
		{"tiny transfer timeout", func(c *Config) { c.TransferDefaultTimeoutMs = 10 }},
		{"tiny queue sync", func(c *Config) { c.QueueSyncIntervalMs = 0 }},
		{"tiny recovery tick", func(c *Config) { c.RecoveryTickIntervalMs = 500 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			require.NoError(t, cfg.Validate())
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
		})
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", (&Config{LogLevel: "debug"}).SlogLevel().String())
	assert.Equal(t, "WARN", (&Config{LogLevel: "warn"}).SlogLevel().String())
	assert.Equal(t, "ERROR", (&Config{LogLevel: "error"}).SlogLevel().String())
	assert.Equal(t, "INFO", (&Config{LogLevel: "anything"}).SlogLevel().String())
}
