package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Warehouse.Driver)
	assert.Equal(t, "medallion", cfg.Warehouse.SQLitePath)
	assert.Equal(t, int32(10), cfg.Warehouse.MaxConns)
	assert.Equal(t, 300, cfg.Warehouse.QueryTimeoutSecs)
	assert.Equal(t, "last_write_wins", cfg.Pipeline.ConflictPolicy)
	assert.InDelta(t, 0.01, cfg.Pipeline.AmountTolerance, 1e-9)
	assert.Equal(t, 8, cfg.Pipeline.FactConcurrency)
	assert.Equal(t, 4, cfg.Pipeline.DimensionConcurrency)
	assert.Equal(t, 1, cfg.Pipeline.MaxConcurrentBatches)
	assert.Equal(t, 1, cfg.Pipeline.ConstraintRetries)
	assert.Equal(t, 60, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 1e-9)
	assert.Equal(t, time.Hour, cfg.Monitoring.StaleAfter())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
warehouse:
  driver: sqlite
  sqlite_path: /tmp/wh
pipeline:
  conflict_policy: latest_row
  fact_concurrency: 2
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, "/tmp/wh", cfg.Warehouse.SQLitePath)
	assert.Equal(t, "latest_row", cfg.Pipeline.ConflictPolicy)
	assert.Equal(t, 2, cfg.Pipeline.FactConcurrency)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Pipeline.DimensionConcurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("MEDALLION_LOG_LEVEL", "warn")
	t.Setenv("MEDALLION_PIPELINE_CONSTRAINT_RETRIES", "3")
	t.Setenv("MEDALLION_FETCH_FTP_USER", "etl")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Pipeline.ConstraintRetries)
	assert.Equal(t, "etl", cfg.Fetch.FTPUser)
}

func TestLoadDatabaseURLFallback(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/warehouse")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/warehouse", cfg.Warehouse.DatabaseURL)

	t.Setenv("MEDALLION_WAREHOUSE_DATABASE_URL", "postgres://other/warehouse")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://other/warehouse", cfg.Warehouse.DatabaseURL)
}

func validConfig() *Config {
	return &Config{
		Warehouse: WarehouseConfig{Driver: "sqlite", SQLitePath: ":memory:", MaxConns: 4, MinConns: 1},
		Pipeline: PipelineConfig{
			ConflictPolicy:       "last_write_wins",
			AmountTolerance:      0.01,
			FactConcurrency:      4,
			DimensionConcurrency: 2,
			MaxConcurrentBatches: 1,
			ConstraintRetries:    1,
		},
		Server: ServerConfig{Port: 8080},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.Warehouse.Driver = "postgres" }, "database_url is required"},
		{"postgres with url", func(c *Config) {
			c.Warehouse.Driver = "postgres"
			c.Warehouse.DatabaseURL = "postgres://localhost/wh"
		}, ""},
		{"sqlite without path", func(c *Config) { c.Warehouse.SQLitePath = "" }, "sqlite_path is required"},
		{"unknown driver", func(c *Config) { c.Warehouse.Driver = "mysql" }, "unknown warehouse.driver"},
		{"unknown policy", func(c *Config) { c.Pipeline.ConflictPolicy = "random" }, "unknown pipeline.conflict_policy"},
		{"negative tolerance", func(c *Config) { c.Pipeline.AmountTolerance = -1 }, "amount_tolerance"},
		{"zero concurrency", func(c *Config) { c.Pipeline.FactConcurrency = 0 }, "at least 1"},
		{"negative retries", func(c *Config) { c.Pipeline.ConstraintRetries = -1 }, "constraint_retries"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
		{"min over max", func(c *Config) { c.Warehouse.MinConns = 9 }, "exceeds max_conns"},
		{"negative threshold", func(c *Config) { c.Monitoring.QuarantineRateThreshold = -0.5 }, "monitoring thresholds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQueryTimeout(t *testing.T) {
	assert.Equal(t, "5m0s", WarehouseConfig{QueryTimeoutSecs: 300}.QueryTimeout().String())
	assert.Zero(t, WarehouseConfig{}.QueryTimeout())
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
