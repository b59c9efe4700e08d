package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetReadiness returns the persisted readiness state of a pair, or
// (nil, nil) when the pair has never been evaluated.
func (s *store) GetReadiness(
	ctx context.Context, tenantID, modelName string,
) (*ReadinessState, error) {
	var state ReadinessState

	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ?", tenantID, modelName).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting readiness state: %w", err)
	}

	return &state, nil
}

// SaveReadiness upserts the readiness state of a pair. A state loaded
// from the store is updated in place.
func (s *store) SaveReadiness(ctx context.Context, state *ReadinessState) error {
	state.LastEvaluatedAt = state.LastEvaluatedAt.UTC()

	if state.ID != 0 {
		if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
			return fmt.Errorf("saving readiness state: %w", err)
		}

		return nil
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier",
			"days_of_history",
			"row_count",
			"healthy_cycles",
			"observation",
			"last_evaluated_at",
			"tier_changed_at",
			"reset_reason",
		}),
	}).Create(state).Error; err != nil {
		return fmt.Errorf("saving readiness state: %w", err)
	}

	return nil
}
