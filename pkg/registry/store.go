package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a version or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAttemptInProgress is returned when a pair already has a
	// non-terminal retraining attempt. It signals back-pressure, not failure.
	ErrAttemptInProgress = errors.New("retraining attempt already in progress")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the current state, e.g. completing an attempt twice.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the transactional model registry. It is the sole arbiter of
// champion state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Model versions.
	RegisterCandidate(ctx context.Context, v *ModelVersion) error
	MarkChallenger(ctx context.Context, tenantID, modelName, version string) error
	GetVersion(ctx context.Context, tenantID, modelName, version string) (*ModelVersion, error)
	GetChampion(ctx context.Context, tenantID, modelName string) (*ModelVersion, error)
	ListVersions(ctx context.Context, tenantID, modelName string) ([]ModelVersion, error)
	CountChampions(ctx context.Context, tenantID, modelName string) (int64, error)
	ListPairs(ctx context.Context) ([]Pair, error)

	// Evaluation evidence.
	RecordEvidence(ctx context.Context, backtests []*BacktestResult, shadows []*ShadowPrediction) error
	RecordActuals(ctx context.Context, tenantID, modelName string, actuals []Actual) (int64, error)
	SampleCount(ctx context.Context, tenantID, modelName, version string, since time.Time) (int, error)
	RollingError(ctx context.Context, tenantID, modelName, version string, since time.Time) (float64, int, error)

	// Retraining attempts.
	BeginAttempt(ctx context.Context, tenantID, modelName string, trigger Trigger) (*RetrainingEvent, error)
	FailAttempt(ctx context.Context, attemptID, reason string) (*RetrainingEvent, error)
	ApplyDecision(ctx context.Context, rec *DecisionRecord) (*RetrainingEvent, error)
	GetAttempt(ctx context.Context, attemptID string) (*RetrainingEvent, error)
	GetHistory(ctx context.Context, tenantID, modelName string) ([]RetrainingEvent, error)
	LastAttempt(ctx context.Context, tenantID, modelName string) (*RetrainingEvent, error)
	LastCompletedAttempt(ctx context.Context, tenantID, modelName string) (*RetrainingEvent, error)
	ListOpenAttempts(ctx context.Context) ([]RetrainingEvent, error)
	FailStaleAttempts(ctx context.Context, startedBefore time.Time, reason string) (int64, error)
	ListExperiments(ctx context.Context, tenantID, modelName string) ([]ModelExperiment, error)

	// Manual retrain requests.
	RequestRetrain(ctx context.Context, tenantID, modelName, requestedBy string) (*RetrainRequest, error)
	PendingRetrainRequest(ctx context.Context, tenantID, modelName string) (*RetrainRequest, error)

	// Readiness persistence.
	GetReadiness(ctx context.Context, tenantID, modelName string) (*ReadinessState, error)
	SaveReadiness(ctx context.Context, state *ReadinessState) error

	// Reconciliation support.
	Snapshot(ctx context.Context) (*Snapshot, error)
	RecordReconciliation(ctx context.Context, r *RegistryReconciliation) error
	ListReconciliations(ctx context.Context, limit int) ([]RegistryReconciliation, error)
}

// Option customizes a Store.
type Option func(*store)

// WithClock overrides the time source used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *store) {
		s.now = now
	}
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new registry Store backed by the configured
// database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	opts ...Option,
) Store {
	s := &store{
		log: log.WithField("component", "registry"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// partialIndexes enforce the registry invariants at the database level:
// one champion per pair and one non-terminal attempt per pair.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mv_one_champion
		ON model_versions (tenant_id, model_name) WHERE status = 'champion'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rl_one_open_attempt
		ON model_retraining_log (tenant_id, model_name) WHERE status = 'started'`,
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: s.now,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.DSN())
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening registry database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps ":memory:"
		// databases from splitting across pooled connections.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&ModelVersion{},
		&RetrainingEvent{},
		&BacktestResult{},
		&ShadowPrediction{},
		&ModelExperiment{},
		&ReadinessState{},
		&RetrainRequest{},
		&RegistryReconciliation{},
	); err != nil {
		return fmt.Errorf("running registry migrations: %w", err)
	}

	for _, stmt := range partialIndexes {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("creating registry index: %w", err)
		}
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Registry database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}
