// Package config binds the daemon configuration from environment
// variables, an optional config file and an optional .env file.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tidesync/tidesync/internal/errdefs"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	StoreURI   string `mapstructure:"store_uri"`
	BindPort   int    `mapstructure:"bind_port"`
	CORSOrigin string `mapstructure:"cors_origin"`
	LogLevel   string `mapstructure:"log_level"`

	MaxGlobalConcurrentProcesses int   `mapstructure:"max_global_concurrent_processes"`
	ScanConcurrentMax            int   `mapstructure:"scan_concurrent_max"`
	TransferDefaultTimeoutMs     int64 `mapstructure:"transfer_default_timeout_ms"`
	QueueSyncIntervalMs          int64 `mapstructure:"queue_sync_interval_ms"`
	RecoveryTickIntervalMs       int64 `mapstructure:"recovery_tick_interval_ms"`
}

// envKeys are bound verbatim, without a prefix.
var envKeys = map[string]string{
	"store_uri":                       "STORE_URI",
	"bind_port":                       "BIND_PORT",
	"cors_origin":                     "CORS_ORIGIN",
	"log_level":                       "LOG_LEVEL",
	"max_global_concurrent_processes": "MAX_GLOBAL_CONCURRENT_PROCESSES",
	"scan_concurrent_max":             "SCAN_CONCURRENT_MAX",
	"transfer_default_timeout_ms":     "TRANSFER_DEFAULT_TIMEOUT_MS",
	"queue_sync_interval_ms":          "QUEUE_SYNC_INTERVAL_MS",
	"recovery_tick_interval_ms":       "RECOVERY_TICK_INTERVAL_MS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_uri", "tidesync.db")
	v.SetDefault("bind_port", 7843)
	v.SetDefault("cors_origin", "*")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_global_concurrent_processes", 10)
	v.SetDefault("scan_concurrent_max", 2)
	v.SetDefault("transfer_default_timeout_ms", int64(time.Hour/time.Millisecond))
	v.SetDefault("queue_sync_interval_ms", int64(60_000))
	v.SetDefault("recovery_tick_interval_ms", int64(5*60_000))
}

// Load reads configPath (optional), a .env file in the working
// directory (optional) and the process environment, in increasing
// precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		v.BindEnv(key, env)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeValidation, err, "parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.StoreURI == "" {
		return errdefs.New(errdefs.CodeValidation, "STORE_URI must not be empty")
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return errdefs.New(errdefs.CodeValidation, "BIND_PORT %d out of range", c.BindPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errdefs.New(errdefs.CodeValidation, "LOG_LEVEL %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.MaxGlobalConcurrentProcesses < 1 {
		return errdefs.New(errdefs.CodeValidation, "MAX_GLOBAL_CONCURRENT_PROCESSES must be at least 1")
	}
	if c.ScanConcurrentMax < 1 {
		return errdefs.New(errdefs.CodeValidation, "SCAN_CONCURRENT_MAX must be at least 1")
	}
	if c.TransferDefaultTimeoutMs < 1000 {
		return errdefs.New(errdefs.CodeValidation, "TRANSFER_DEFAULT_TIMEOUT_MS must be at least 1000")
	}
	if c.QueueSyncIntervalMs < 1000 {
		return errdefs.New(errdefs.CodeValidation, "QUEUE_SYNC_INTERVAL_MS must be at least 1000")
	}
	if c.RecoveryTickIntervalMs < 1000 {
		return errdefs.New(errdefs.CodeValidation, "RECOVERY_TICK_INTERVAL_MS must be at least 1000")
	}
	return nil
}

// SlogLevel maps the configured level onto slog's.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TransferDefaultTimeout returns the per-transfer wall-clock budget.
func (c *Config) TransferDefaultTimeout() time.Duration {
	return time.Duration(c.TransferDefaultTimeoutMs) * time.Millisecond
}

// QueueSyncInterval returns the queue/store reconciliation period.
func (c *Config) QueueSyncInterval() time.Duration {
	return time.Duration(c.QueueSyncIntervalMs) * time.Millisecond
}

// RecoveryTickInterval returns the periodic recovery sweep period.
func (c *Config) RecoveryTickInterval() time.Duration {
	return time.Duration(c.RecoveryTickIntervalMs) * time.Millisecond
}
