package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// SHELFOPS_DISPATCHER_CONCURRENCY=8.
	EnvPrefix = "SHELFOPS"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./shelfops.db"

	// DefaultArtifactsRoot is the default directory of the file registry.
	DefaultArtifactsRoot = "./registry"

	// DefaultModelName is the model family dispatched when none is configured.
	DefaultModelName = "demand_forecast"
)

// Config is the root configuration for shelfops.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Arena      ArenaConfig      `yaml:"arena" mapstructure:"arena"`
	Readiness  ReadinessConfig  `yaml:"readiness" mapstructure:"readiness"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Trainer    TrainerConfig    `yaml:"trainer" mapstructure:"trainer"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ArenaConfig holds the promotion gate parameters. Tolerances are
// absolute bands on rates expressed as fractions (0.02 = 2 points).
type ArenaConfig struct {
	MinSamples         int     `yaml:"min_samples" mapstructure:"min_samples"`
	PrimaryMetric      string  `yaml:"primary_metric" mapstructure:"primary_metric"`
	MAPETolerance      float64 `yaml:"mape_tolerance" mapstructure:"mape_tolerance"`
	StockoutTolerance  float64 `yaml:"stockout_tolerance" mapstructure:"stockout_tolerance"`
	OverstockTolerance float64 `yaml:"overstock_tolerance" mapstructure:"overstock_tolerance"`
}

// ReadinessConfig holds the tier thresholds of the readiness classifier.
type ReadinessConfig struct {
	WarmingMinDays    int           `yaml:"warming_min_days" mapstructure:"warming_min_days"`
	WarmingMinRows    int64         `yaml:"warming_min_rows" mapstructure:"warming_min_rows"`
	FullHistoryDays   int           `yaml:"full_history_days" mapstructure:"full_history_days"`
	FullHistoryRows   int64         `yaml:"full_history_rows" mapstructure:"full_history_rows"`
	ActiveAfterCycles int           `yaml:"active_after_cycles" mapstructure:"active_after_cycles"`
	RecencyWindow     time.Duration `yaml:"recency_window" mapstructure:"recency_window"`
}

// DispatcherConfig configures the retrain dispatcher loop and triggers.
type DispatcherConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout" mapstructure:"cycle_timeout"`
	TrainingTimeout time.Duration `yaml:"training_timeout" mapstructure:"training_timeout"`
	Concurrency     int           `yaml:"concurrency" mapstructure:"concurrency"`
	ModelNames      []string      `yaml:"model_names" mapstructure:"model_names"`
	Cadence         time.Duration `yaml:"cadence" mapstructure:"cadence"`
	DriftThreshold  float64       `yaml:"drift_threshold" mapstructure:"drift_threshold"`
	DriftWindow     time.Duration `yaml:"drift_window" mapstructure:"drift_window"`
	DriftMinSamples int           `yaml:"drift_min_samples" mapstructure:"drift_min_samples"`
	NewDataRows     int64         `yaml:"new_data_rows" mapstructure:"new_data_rows"`
}

// TrainerConfig points at the external training service.
type TrainerConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// IngestConfig configures the Kafka listener for ingestion notices.
type IngestConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers []string `yaml:"brokers,omitempty" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// Load reads and merges the given configuration files in order, applies
// SHELFOPS_* environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied.
//
// Tolerances and the drift threshold are set here rather than in
// applyDefaults because zero is a meaningful value for them: a zero
// tolerance admits no regression and a zero threshold disables drift.
func Default() *Config {
	cfg := &Config{
		Arena: ArenaConfig{
			MAPETolerance:      0.01,
			StockoutTolerance:  0.005,
			OverstockTolerance: 0.02,
		},
		Dispatcher: DispatcherConfig{
			DriftThreshold: 0.15,
		},
	}
	cfg.applyDefaults()

	return cfg
}

// setDefaults registers every leaf key with viper so that AutomaticEnv
// can override keys that are absent from the config file.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("global.log_level", d.Global.LogLevel)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.sqlite.path", d.Database.SQLite.Path)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 0)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "")

	v.SetDefault("registry.evidence_window", d.Registry.EvidenceWindow)
	v.SetDefault("registry.artifacts.backend", d.Registry.Artifacts.Backend)
	v.SetDefault("registry.artifacts.local.root", d.Registry.Artifacts.Local.Root)
	v.SetDefault("registry.artifacts.local.owner", "")

	v.SetDefault("arena.min_samples", d.Arena.MinSamples)
	v.SetDefault("arena.primary_metric", d.Arena.PrimaryMetric)
	v.SetDefault("arena.mape_tolerance", d.Arena.MAPETolerance)
	v.SetDefault("arena.stockout_tolerance", d.Arena.StockoutTolerance)
	v.SetDefault("arena.overstock_tolerance", d.Arena.OverstockTolerance)

	v.SetDefault("readiness.warming_min_days", d.Readiness.WarmingMinDays)
	v.SetDefault("readiness.warming_min_rows", d.Readiness.WarmingMinRows)
	v.SetDefault("readiness.full_history_days", d.Readiness.FullHistoryDays)
	v.SetDefault("readiness.full_history_rows", d.Readiness.FullHistoryRows)
	v.SetDefault("readiness.active_after_cycles", d.Readiness.ActiveAfterCycles)
	v.SetDefault("readiness.recency_window", d.Readiness.RecencyWindow)

	v.SetDefault("dispatcher.enabled", d.Dispatcher.Enabled)
	v.SetDefault("dispatcher.interval", d.Dispatcher.Interval)
	v.SetDefault("dispatcher.cycle_timeout", d.Dispatcher.CycleTimeout)
	v.SetDefault("dispatcher.training_timeout", d.Dispatcher.TrainingTimeout)
	v.SetDefault("dispatcher.concurrency", d.Dispatcher.Concurrency)
	v.SetDefault("dispatcher.model_names", d.Dispatcher.ModelNames)
	v.SetDefault("dispatcher.cadence", d.Dispatcher.Cadence)
	v.SetDefault("dispatcher.drift_threshold", d.Dispatcher.DriftThreshold)
	v.SetDefault("dispatcher.drift_window", d.Dispatcher.DriftWindow)
	v.SetDefault("dispatcher.drift_min_samples", d.Dispatcher.DriftMinSamples)
	v.SetDefault("dispatcher.new_data_rows", d.Dispatcher.NewDataRows)

	v.SetDefault("trainer.base_url", "")
	v.SetDefault("trainer.timeout", d.Trainer.Timeout)

	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.topic", d.Ingest.Topic)
	v.SetDefault("ingest.group_id", d.Ingest.GroupID)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", d.API.RateLimit.RequestsPerMinute)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	c.Registry.applyDefaults()

	if c.Arena.MinSamples == 0 {
		c.Arena.MinSamples = 100
	}

	if c.Arena.PrimaryMetric == "" {
		c.Arena.PrimaryMetric = "mae"
	}

	if c.Readiness.WarmingMinDays == 0 {
		c.Readiness.WarmingMinDays = 90
	}

	if c.Readiness.WarmingMinRows == 0 {
		c.Readiness.WarmingMinRows = 1_000
	}

	if c.Readiness.FullHistoryDays == 0 {
		c.Readiness.FullHistoryDays = 365
	}

	if c.Readiness.FullHistoryRows == 0 {
		c.Readiness.FullHistoryRows = 10_000
	}

	if c.Readiness.ActiveAfterCycles == 0 {
		c.Readiness.ActiveAfterCycles = 3
	}

	if c.Readiness.RecencyWindow == 0 {
		c.Readiness.RecencyWindow = 14 * 24 * time.Hour
	}

	if c.Dispatcher.Interval == 0 {
		c.Dispatcher.Interval = time.Hour
	}

	if c.Dispatcher.CycleTimeout == 0 {
		c.Dispatcher.CycleTimeout = 45 * time.Minute
	}

	if c.Dispatcher.TrainingTimeout == 0 {
		c.Dispatcher.TrainingTimeout = 20 * time.Minute
	}

	if c.Dispatcher.Concurrency == 0 {
		c.Dispatcher.Concurrency = 4
	}

	if len(c.Dispatcher.ModelNames) == 0 {
		c.Dispatcher.ModelNames = []string{DefaultModelName}
	}

	if c.Dispatcher.Cadence == 0 {
		c.Dispatcher.Cadence = 7 * 24 * time.Hour
	}

	if c.Dispatcher.DriftWindow == 0 {
		c.Dispatcher.DriftWindow = 14 * 24 * time.Hour
	}

	if c.Dispatcher.DriftMinSamples == 0 {
		c.Dispatcher.DriftMinSamples = 50
	}

	if c.Dispatcher.NewDataRows == 0 {
		c.Dispatcher.NewDataRows = 5_000
	}

	if c.Trainer.Timeout == 0 {
		c.Trainer.Timeout = c.Dispatcher.TrainingTimeout
	}

	if c.Ingest.Topic == "" {
		c.Ingest.Topic = "ingestion.completed"
	}

	if c.Ingest.GroupID == "" {
		c.Ingest.GroupID = "shelfops-dispatcher"
	}

	c.API.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	if c.Arena.MinSamples <= 0 {
		return fmt.Errorf("arena: min_samples must be positive")
	}

	switch c.Arena.PrimaryMetric {
	case "mae", "mape":
	default:
		return fmt.Errorf("arena: unknown primary_metric %q", c.Arena.PrimaryMetric)
	}

	if c.Arena.MAPETolerance < 0 || c.Arena.StockoutTolerance < 0 ||
		c.Arena.OverstockTolerance < 0 {
		return fmt.Errorf("arena: tolerances must not be negative")
	}

	if c.Readiness.FullHistoryDays < c.Readiness.WarmingMinDays {
		return fmt.Errorf(
			"readiness: full_history_days (%d) is below warming_min_days (%d)",
			c.Readiness.FullHistoryDays, c.Readiness.WarmingMinDays,
		)
	}

	if c.Readiness.FullHistoryRows < c.Readiness.WarmingMinRows {
		return fmt.Errorf(
			"readiness: full_history_rows (%d) is below warming_min_rows (%d)",
			c.Readiness.FullHistoryRows, c.Readiness.WarmingMinRows,
		)
	}

	if c.Dispatcher.Concurrency < 0 {
		return fmt.Errorf("dispatcher: concurrency must not be negative")
	}

	if c.Dispatcher.DriftThreshold < 0 {
		return fmt.Errorf("dispatcher: drift_threshold must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Dispatcher.ModelNames))

	for i, name := range c.Dispatcher.ModelNames {
		if name == "" {
			return fmt.Errorf("dispatcher: model_names[%d] is empty", i)
		}

		if _, ok := seen[name]; ok {
			return fmt.Errorf("dispatcher: duplicate model name %q", name)
		}

		seen[name] = struct{}{}
	}

	if c.Dispatcher.TrainingTimeout > c.Dispatcher.CycleTimeout {
		return fmt.Errorf("dispatcher: training_timeout exceeds cycle_timeout")
	}

	if c.Dispatcher.Enabled && c.Trainer.BaseURL == "" {
		return fmt.Errorf("trainer: base_url is required when the dispatcher is enabled")
	}

	if c.Ingest.Enabled && len(c.Ingest.Brokers) == 0 {
		return fmt.Errorf("ingest: at least one broker is required")
	}

	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}

	return out, nil
}
