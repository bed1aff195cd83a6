// Package config loads warehouse and pipeline settings and initializes logging.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures the database backend.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// SQLitePath is the file prefix for the per-layer SQLite databases
	// (<path>.bronze.db, <path>.silver.db, ...). ":memory:" keeps everything in memory.
	SQLitePath       string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns         int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns         int32  `yaml:"min_conns" mapstructure:"min_conns"`
	QueryTimeoutSecs int    `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
}

// QueryTimeout returns the per-statement timeout, zero meaning none.
func (w WarehouseConfig) QueryTimeout() time.Duration {
	return time.Duration(w.QueryTimeoutSecs) * time.Second
}

// PipelineConfig configures batch loading.
type PipelineConfig struct {
	ConflictPolicy       string  `yaml:"conflict_policy" mapstructure:"conflict_policy"`
	AmountTolerance      float64 `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	FactConcurrency      int     `yaml:"fact_concurrency" mapstructure:"fact_concurrency"`
	DimensionConcurrency int     `yaml:"dimension_concurrency" mapstructure:"dimension_concurrency"`
	MaxConcurrentBatches int     `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	MaxWritesPerSec      float64 `yaml:"max_writes_per_sec" mapstructure:"max_writes_per_sec"` // 0 = unlimited
	ConstraintRetries    int     `yaml:"constraint_retries" mapstructure:"constraint_retries"`
}

// FetchConfig configures how ingest reads remote source files.
type FetchConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	// FTP login for drops whose URLs carry no credentials; empty means anonymous.
	FTPUser        string  `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword    string  `yaml:"ftp_password" mapstructure:"ftp_password"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background batch health checker.
type MonitoringConfig struct {
	Enabled                 bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QuarantineRateThreshold float64 `yaml:"quarantine_rate_threshold" mapstructure:"quarantine_rate_threshold"` // 0 = off
	StaleRunMins            int     `yaml:"stale_run_mins" mapstructure:"stale_run_mins"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// StaleAfter returns how long a run may stay unfinished before it is stale.
func (m MonitoringConfig) StaleAfter() time.Duration {
	return time.Duration(m.StaleRunMins) * time.Minute
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var conflictPolicies = map[string]bool{
	"last_write_wins":  true,
	"first_write_wins": true,
	"latest_row":       true,
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MEDALLION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("warehouse.database_url", "MEDALLION_WAREHOUSE_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.sqlite_path", "medallion")
	v.SetDefault("warehouse.max_conns", 10)
	v.SetDefault("warehouse.min_conns", 1)
	v.SetDefault("warehouse.query_timeout_secs", 300)
	v.SetDefault("pipeline.conflict_policy", "last_write_wins")
	v.SetDefault("pipeline.amount_tolerance", 0.01)
	v.SetDefault("pipeline.fact_concurrency", 8)
	v.SetDefault("pipeline.dimension_concurrency", 4)
	v.SetDefault("pipeline.max_concurrent_batches", 1)
	v.SetDefault("pipeline.max_writes_per_sec", 0)
	v.SetDefault("pipeline.constraint_retries", 1)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.ftp_user", "")
	v.SetDefault("fetch.ftp_password", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.quarantine_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_run_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a batch run.
func (c *Config) Validate() error {
	switch c.Warehouse.Driver {
	case "postgres":
		if c.Warehouse.DatabaseURL == "" {
			return eris.New("config: warehouse.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Warehouse.SQLitePath == "" {
			return eris.New("config: warehouse.sqlite_path is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unknown warehouse.driver %q (valid: postgres, sqlite)", c.Warehouse.Driver)
	}

	if !conflictPolicies[c.Pipeline.ConflictPolicy] {
		return eris.Errorf("config: unknown pipeline.conflict_policy %q", c.Pipeline.ConflictPolicy)
	}
	if c.Pipeline.AmountTolerance < 0 {
		return eris.New("config: pipeline.amount_tolerance must not be negative")
	}
	if c.Pipeline.FactConcurrency < 1 || c.Pipeline.DimensionConcurrency < 1 || c.Pipeline.MaxConcurrentBatches < 1 {
		return eris.New("config: pipeline concurrency settings must be at least 1")
	}
	if c.Pipeline.ConstraintRetries < 0 {
		return eris.New("config: pipeline.constraint_retries must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.QuarantineRateThreshold < 0 {
		return eris.New("config: monitoring thresholds must not be negative")
	}
	if c.Warehouse.MinConns > c.Warehouse.MaxConns {
		return eris.Errorf("config: warehouse.min_conns (%d) exceeds max_conns (%d)", c.Warehouse.MinConns, c.Warehouse.MaxConns)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
