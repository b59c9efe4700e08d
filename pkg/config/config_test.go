package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
arena:
  min_samples: 100
dispatcher:
  concurrency: 2
  cadence: 24h
  model_names:
    - demand_forecast
trainer:
  base_url: http://trainer.internal
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 100, cfg.Arena.MinSamples)
				assert.Equal(t, 24*time.Hour, cfg.Dispatcher.Cadence)
				assert.Equal(t, []string{"demand_forecast"}, cfg.Dispatcher.ModelNames)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SHELFOPS_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"SHELFOPS_DATABASE_SQLITE_PATH": "/tmp/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/custom.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - arena.min_samples",
			envVars: map[string]string{
				"SHELFOPS_ARENA_MIN_SAMPLES": "250",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250, cfg.Arena.MinSamples)
			},
		},
		{
			name: "duration override - dispatcher.cadence",
			envVars: map[string]string{
				"SHELFOPS_DISPATCHER_CADENCE": "72h",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 72*time.Hour, cfg.Dispatcher.Cadence)
			},
		},
		{
			name: "slice override - dispatcher.model_names",
			envVars: map[string]string{
				"SHELFOPS_DISPATCHER_MODEL_NAMES": "demand_forecast,promo_uplift",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t,
					[]string{"demand_forecast", "promo_uplift"},
					cfg.Dispatcher.ModelNames,
				)
			},
		},
		{
			name: "boolean override - ingest.enabled",
			envVars: map[string]string{
				"SHELFOPS_INGEST_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Ingest.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
trainer:
  base_url: http://trainer.internal
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, "local", cfg.Registry.Artifacts.Backend)
	assert.Equal(t, DefaultArtifactsRoot, cfg.Registry.Artifacts.Local.Root)
	assert.Equal(t, 100, cfg.Arena.MinSamples)
	assert.Equal(t, "mae", cfg.Arena.PrimaryMetric)
	assert.Equal(t, 90, cfg.Readiness.WarmingMinDays)
	assert.Equal(t, []string{DefaultModelName}, cfg.Dispatcher.ModelNames)
	assert.Equal(t, 4, cfg.Dispatcher.Concurrency)
	assert.Equal(t, cfg.Dispatcher.TrainingTimeout, cfg.Trainer.Timeout)
	assert.InDelta(t, 0.01, cfg.Arena.MAPETolerance, 1e-9)
	assert.InDelta(t, 0.005, cfg.Arena.StockoutTolerance, 1e-9)
	assert.InDelta(t, 0.02, cfg.Arena.OverstockTolerance, 1e-9)
	assert.InDelta(t, 0.15, cfg.Dispatcher.DriftThreshold, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitZerosAreKept(t *testing.T) {
	configPath := writeConfig(t, `
arena:
  mape_tolerance: 0
  stockout_tolerance: 0
  overstock_tolerance: 0
dispatcher:
  drift_threshold: 0
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Zero(t, cfg.Arena.MAPETolerance)
	assert.Zero(t, cfg.Arena.StockoutTolerance)
	assert.Zero(t, cfg.Arena.OverstockTolerance)
	assert.Zero(t, cfg.Dispatcher.DriftThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitZeroFromEnv(t *testing.T) {
	t.Setenv("SHELFOPS_ARENA_STOCKOUT_TOLERANCE", "0")

	cfg, err := Load(writeConfig(t, "global:\n  log_level: info\n"))
	require.NoError(t, err)

	assert.Zero(t, cfg.Arena.StockoutTolerance)
	assert.InDelta(t, 0.02, cfg.Arena.OverstockTolerance, 1e-9)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
arena:
  min_samples: 100
  stockout_tolerance: 0.01
`)
	override := writeConfig(t, `
arena:
  min_samples: 40
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Arena.MinSamples)
	assert.InDelta(t, 0.01, cfg.Arena.StockoutTolerance, 1e-9)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "postgres.host",
		},
		{
			name:    "s3 backend without bucket",
			mutate:  func(cfg *Config) { cfg.Registry.Artifacts.Backend = "s3" },
			wantErr: "bucket is required",
		},
		{
			name:    "malformed file owner",
			mutate:  func(cfg *Config) { cfg.Registry.Artifacts.Local.Owner = "app" },
			wantErr: "artifacts.local.owner",
		},
		{
			name:    "non-positive sample floor",
			mutate:  func(cfg *Config) { cfg.Arena.MinSamples = -1 },
			wantErr: "min_samples must be positive",
		},
		{
			name:    "unknown primary metric",
			mutate:  func(cfg *Config) { cfg.Arena.PrimaryMetric = "rmse" },
			wantErr: "unknown primary_metric",
		},
		{
			name:    "negative tolerance",
			mutate:  func(cfg *Config) { cfg.Arena.StockoutTolerance = -0.1 },
			wantErr: "tolerances must not be negative",
		},
		{
			name:    "negative drift threshold",
			mutate:  func(cfg *Config) { cfg.Dispatcher.DriftThreshold = -0.1 },
			wantErr: "drift_threshold must not be negative",
		},
		{
			name: "inverted day thresholds",
			mutate: func(cfg *Config) {
				cfg.Readiness.FullHistoryDays = 30
			},
			wantErr: "full_history_days",
		},
		{
			name: "duplicate model name",
			mutate: func(cfg *Config) {
				cfg.Dispatcher.ModelNames = []string{"a", "a"}
			},
			wantErr: "duplicate model name",
		},
		{
			name: "training timeout longer than cycle",
			mutate: func(cfg *Config) {
				cfg.Dispatcher.TrainingTimeout = 2 * cfg.Dispatcher.CycleTimeout
			},
			wantErr: "training_timeout exceeds cycle_timeout",
		},
		{
			name:    "enabled dispatcher without trainer",
			mutate:  func(cfg *Config) { cfg.Dispatcher.Enabled = true },
			wantErr: "base_url is required",
		},
		{
			name:    "ingest without brokers",
			mutate:  func(cfg *Config) { cfg.Ingest.Enabled = true },
			wantErr: "at least one broker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Dump(t *testing.T) {
	out, err := Default().Dump()
	require.NoError(t, err)

	assert.Contains(t, string(out), "min_samples: 100")
	assert.Contains(t, string(out), "primary_metric: mae")
}
