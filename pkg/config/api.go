package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/fsutil"
)

// APIConfig contains the operational HTTP surface configuration.
type APIConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

func (c *APIConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DSN returns the SQLite data source. File databases wait on a lock
// instead of failing when the registry and warehouse stores share a file.
func (c *SQLiteDatabaseConfig) DSN() string {
	if c.Path == ":memory:" || strings.Contains(c.Path, "?") {
		return c.Path
	}

	return c.Path + "?_pragma=busy_timeout(5000)"
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the libpq connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Validate checks the database settings.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}

	return nil
}

// RegistryConfig configures the model registry and its file mirror.
type RegistryConfig struct {
	// EvidenceWindow bounds the rolling window over which backtest and
	// shadow rows count towards a version's sample count.
	EvidenceWindow time.Duration   `yaml:"evidence_window" mapstructure:"evidence_window"`
	Artifacts      ArtifactsConfig `yaml:"artifacts" mapstructure:"artifacts"`
}

// ArtifactsConfig selects the backend holding registry.json and
// champion.json. Only one backend is active at a time.
type ArtifactsConfig struct {
	Backend string              `yaml:"backend" mapstructure:"backend"`
	Local   LocalArtifactConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3      S3ArtifactConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalArtifactConfig stores the file registry in a local directory.
type LocalArtifactConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
	// Owner is an optional "UID:GID" applied to written files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3ArtifactConfig stores the file registry in an S3-compatible bucket.
type S3ArtifactConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

func (c *RegistryConfig) applyDefaults() {
	if c.EvidenceWindow == 0 {
		c.EvidenceWindow = 28 * 24 * time.Hour
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "local"
	}

	if c.Artifacts.Local.Root == "" {
		c.Artifacts.Local.Root = DefaultArtifactsRoot
	}
}

// Validate checks the registry settings.
func (c *RegistryConfig) Validate() error {
	if c.EvidenceWindow <= 0 {
		return fmt.Errorf("evidence_window must be positive")
	}

	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.Local.Root == "" {
			return fmt.Errorf("artifacts.local.root is required")
		}

		if _, err := fsutil.ParseOwner(c.Artifacts.Local.Owner); err != nil {
			return fmt.Errorf("artifacts.local.owner: %w", err)
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend)
	}

	return nil
}
