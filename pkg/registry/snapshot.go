package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Snapshot is a consistent read of every model version in the registry.
type Snapshot struct {
	TakenAt  time.Time
	Versions []ModelVersion
}

// Pairs groups the snapshot's versions by pair, each group in creation
// order.
func (s *Snapshot) Pairs() map[Pair][]ModelVersion {
	out := make(map[Pair][]ModelVersion, len(s.Versions))

	for _, v := range s.Versions {
		p := Pair{TenantID: v.TenantID, ModelName: v.ModelName}
		out[p] = append(out[p], v)
	}

	return out
}

// Snapshot reads all versions inside a single read-only transaction so a
// promotion committing meanwhile is seen either entirely or not at all.
func (s *store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: s.now()}

	var opts []*sql.TxOptions
	if s.cfg.Driver == "postgres" {
		opts = append(opts, &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  true,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("tenant_id ASC, model_name ASC, id ASC").
			Find(&snap.Versions).Error; err != nil {
			return fmt.Errorf("reading versions: %w", err)
		}

		return nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("taking registry snapshot: %w", err)
	}

	return snap, nil
}

// RecordReconciliation stores the outcome of a file registry sync.
func (s *store) RecordReconciliation(
	ctx context.Context, r *RegistryReconciliation,
) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("recording reconciliation: %w", err)
	}

	return nil
}

// ListReconciliations returns the most recent syncs that changed files,
// newest first.
func (s *store) ListReconciliations(
	ctx context.Context, limit int,
) ([]RegistryReconciliation, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []RegistryReconciliation
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing reconciliations: %w", err)
	}

	return out, nil
}
