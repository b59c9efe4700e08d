package warehouse

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
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrInvalidIngestion is returned for ingestion notices that can never be
// applied, such as negative row counts.
var ErrInvalidIngestion = errors.New("invalid ingestion")

// Store is the data layer read model consulted by the orchestration
// engine. It does not own transactions; it only tracks their volume.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	ListEligibleTenants(ctx context.Context) ([]Tenant, error)

	// Stats returns (nil, nil) when nothing was ingested for the tenant.
	Stats(ctx context.Context, tenantID string) (*TenantDataStats, error)
	RecordIngestion(ctx context.Context, in *Ingestion) (*TenantDataStats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new warehouse Store.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "warehouse"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.DSN())
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: s.now,
	})
	if err != nil {
		return fmt.Errorf("opening warehouse database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Tenant{},
		&TenantDataStats{},
	); err != nil {
		return fmt.Errorf("running warehouse migrations: %w", err)
	}

	s.log.Info("Warehouse database connected")

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

func (s *store) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("upserting tenant: id is required")
	}

	if t.Status == "" {
		t.Status = TenantActive
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "status", "updated_at"}),
	}).Create(t).Error; err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	return nil
}

// GetTenant returns a tenant by id, or (nil, nil).
func (s *store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting tenant: %w", err)
	}

	return &t, nil
}

func (s *store) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	return tenants, nil
}

// ListEligibleTenants returns active and trial tenants ordered by id.
func (s *store) ListEligibleTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []TenantStatus{TenantActive, TenantTrial}).
		Order("id ASC").
		Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("listing eligible tenants: %w", err)
	}

	return tenants, nil
}

func (s *store) Stats(ctx context.Context, tenantID string) (*TenantDataStats, error) {
	return getStats(s.db.WithContext(ctx), tenantID)
}

func getStats(db *gorm.DB, tenantID string) (*TenantDataStats, error) {
	var st TenantDataStats

	err := db.Where("tenant_id = ?", tenantID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting data stats: %w", err)
	}

	return &st, nil
}

// RecordIngestion folds a completed load into the tenant's stats: rows
// accumulate and the transaction span only ever widens.
func (s *store) RecordIngestion(
	ctx context.Context, in *Ingestion,
) (*TenantDataStats, error) {
	if in.TenantID == "" || in.Rows < 0 {
		return nil, fmt.Errorf("tenant %q rows %d: %w", in.TenantID, in.Rows, ErrInvalidIngestion)
	}

	if !in.LastTransactionAt.IsZero() && in.LastTransactionAt.Before(in.FirstTransactionAt) {
		return nil, fmt.Errorf("transaction span is inverted: %w", ErrInvalidIngestion)
	}

	var out *TenantDataStats

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := getStats(tx, in.TenantID)
		if err != nil {
			return err
		}

		if st == nil {
			st = &TenantDataStats{TenantID: in.TenantID}
		}

		now := s.now()

		st.RowCount += in.Rows
		st.Ingestions++
		st.LastIngestedAt = &now

		if !in.FirstTransactionAt.IsZero() {
			first := in.FirstTransactionAt.UTC()
			if st.FirstTransactionAt == nil || first.Before(*st.FirstTransactionAt) {
				st.FirstTransactionAt = &first
			}
		}

		if !in.LastTransactionAt.IsZero() {
			last := in.LastTransactionAt.UTC()
			if st.LastTransactionAt == nil || last.After(*st.LastTransactionAt) {
				st.LastTransactionAt = &last
			}
		}

		if err := tx.Save(st).Error; err != nil {
			return fmt.Errorf("saving data stats: %w", err)
		}

		out = st

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
