package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// RegisterCandidate inserts a freshly trained version with status
// candidate. Versions are immutable once registered; registering the same
// label twice for a pair fails.
func (s *store) RegisterCandidate(ctx context.Context, v *ModelVersion) error {
	if v.TenantID == "" || v.ModelName == "" || v.Version == "" {
		return fmt.Errorf("registering candidate: tenant, model and version are required")
	}

	v.ID = 0
	v.Status = StatusCandidate
	v.PromotedAt = nil
	v.ArchivedAt = nil

	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("registering candidate %s: %w", v.Version, err)
	}

	return nil
}

// MarkChallenger moves a candidate to challenger once backtest evidence
// for it exists.
func (s *store) MarkChallenger(
	ctx context.Context, tenantID, modelName, version string,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var evidence int64
		if err := tx.Model(&BacktestResult{}).
			Where("tenant_id = ? AND model_name = ? AND model_version = ?",
				tenantID, modelName, version).
			Count(&evidence).Error; err != nil {
			return fmt.Errorf("counting backtest evidence: %w", err)
		}

		if evidence == 0 {
			return fmt.Errorf(
				"marking %s challenger without backtest evidence: %w",
				version, ErrInvalidTransition,
			)
		}

		res := tx.Model(&ModelVersion{}).
			Where("tenant_id = ? AND model_name = ? AND version = ? AND status = ?",
				tenantID, modelName, version, StatusCandidate).
			Update("status", StatusChallenger)
		if res.Error != nil {
			return fmt.Errorf("marking challenger: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("marking %s challenger: %w", version, ErrInvalidTransition)
		}

		return nil
	})
}

// GetVersion returns a single version of a pair.
func (s *store) GetVersion(
	ctx context.Context, tenantID, modelName, version string,
) (*ModelVersion, error) {
	var v ModelVersion
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ? AND version = ?",
			tenantID, modelName, version).
		First(&v).Error; err != nil {
		return nil, notFound(err, "getting version")
	}

	return &v, nil
}

// GetChampion returns the current champion of a pair, or (nil, nil)
// when the pair has none.
func (s *store) GetChampion(
	ctx context.Context, tenantID, modelName string,
) (*ModelVersion, error) {
	return getChampion(s.db.WithContext(ctx), tenantID, modelName)
}

func getChampion(db *gorm.DB, tenantID, modelName string) (*ModelVersion, error) {
	var v ModelVersion

	err := db.Where("tenant_id = ? AND model_name = ? AND status = ?",
		tenantID, modelName, StatusChampion).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting champion: %w", err)
	}

	return &v, nil
}

// ListVersions returns every version of a pair in creation order.
func (s *store) ListVersions(
	ctx context.Context, tenantID, modelName string,
) ([]ModelVersion, error) {
	var versions []ModelVersion
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ?", tenantID, modelName).
		Order("id ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	return versions, nil
}

// CountChampions returns the number of champion rows of a pair.
func (s *store) CountChampions(
	ctx context.Context, tenantID, modelName string,
) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).
		Model(&ModelVersion{}).
		Where("tenant_id = ? AND model_name = ? AND status = ?",
			tenantID, modelName, StatusChampion).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting champions: %w", err)
	}

	return n, nil
}

// ListPairs returns every tenant-model pair that has at least one version.
func (s *store) ListPairs(ctx context.Context) ([]Pair, error) {
	var pairs []Pair
	if err := s.db.WithContext(ctx).
		Model(&ModelVersion{}).
		Distinct("tenant_id", "model_name").
		Order("tenant_id ASC, model_name ASC").
		Scan(&pairs).Error; err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}

	return pairs, nil
}

// RecordEvidence appends backtest and shadow rows in one transaction.
// Absolute errors are derived from predicted and actual; shadow rows
// without an actual are stored open and filled in by RecordActuals.
func (s *store) RecordEvidence(
	ctx context.Context,
	backtests []*BacktestResult,
	shadows []*ShadowPrediction,
) error {
	if len(backtests) == 0 && len(shadows) == 0 {
		return nil
	}

	const batchSize = 100

	for _, b := range backtests {
		b.ForecastDate = b.ForecastDate.UTC()
		b.AbsError = math.Abs(b.Predicted - b.Actual)
	}

	for _, sp := range shadows {
		sp.ForecastDate = sp.ForecastDate.UTC()
		sp.AbsError = nil

		if sp.Actual != nil {
			absErr := math.Abs(sp.Predicted - *sp.Actual)
			sp.AbsError = &absErr
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(backtests) > 0 {
			if err := tx.CreateInBatches(backtests, batchSize).Error; err != nil {
				return fmt.Errorf("inserting backtest results: %w", err)
			}
		}

		if len(shadows) > 0 {
			if err := tx.CreateInBatches(shadows, batchSize).Error; err != nil {
				return fmt.Errorf("inserting shadow predictions: %w", err)
			}
		}

		return nil
	})
}

// Actual is an observed outcome for one forecast date of a pair.
type Actual struct {
	ForecastDate time.Time `json:"forecast_date"`
	Value        float64   `json:"actual"`
}

// RecordActuals closes the open shadow predictions of a pair whose
// forecast date matches an observed outcome, for every version that
// shadowed that date. Rows that already carry an actual are left alone.
// It returns the number of rows updated.
func (s *store) RecordActuals(
	ctx context.Context, tenantID, modelName string, actuals []Actual,
) (int64, error) {
	if len(actuals) == 0 {
		return 0, nil
	}

	var updated int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range actuals {
			res := tx.Model(&ShadowPrediction{}).
				Where("tenant_id = ? AND model_name = ? AND forecast_date = ? AND actual IS NULL",
					tenantID, modelName, a.ForecastDate.UTC()).
				Updates(map[string]any{
					"actual":    a.Value,
					"abs_error": gorm.Expr("ABS(predicted - ?)", a.Value),
				})
			if res.Error != nil {
				return fmt.Errorf("recording actual for %s: %w",
					a.ForecastDate.UTC().Format(time.DateOnly), res.Error)
			}

			updated += res.RowsAffected
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}

// SampleCount returns the number of evaluation observations of a version
// with a forecast date inside the window: all backtest rows plus the
// shadow predictions whose actual is known.
func (s *store) SampleCount(
	ctx context.Context, tenantID, modelName, version string, since time.Time,
) (int, error) {
	var backtests, shadows int64

	db := s.db.WithContext(ctx)

	if err := db.Model(&BacktestResult{}).
		Where("tenant_id = ? AND model_name = ? AND model_version = ? AND forecast_date >= ?",
			tenantID, modelName, version, since.UTC()).
		Count(&backtests).Error; err != nil {
		return 0, fmt.Errorf("counting backtest results: %w", err)
	}

	if err := db.Model(&ShadowPrediction{}).
		Where("tenant_id = ? AND model_name = ? AND model_version = ? AND forecast_date >= ? AND actual IS NOT NULL",
			tenantID, modelName, version, since.UTC()).
		Count(&shadows).Error; err != nil {
		return 0, fmt.Errorf("counting shadow predictions: %w", err)
	}

	return int(backtests + shadows), nil
}

// RollingError returns the mean absolute error of a version's shadow
// predictions with known actuals inside the window, and how many rows
// contributed to it.
func (s *store) RollingError(
	ctx context.Context, tenantID, modelName, version string, since time.Time,
) (float64, int, error) {
	var row struct {
		N   int64
		MAE *float64
	}

	if err := s.db.WithContext(ctx).
		Model(&ShadowPrediction{}).
		Select("COUNT(*) AS n, AVG(abs_error) AS mae").
		Where("tenant_id = ? AND model_name = ? AND model_version = ? AND forecast_date >= ? AND abs_error IS NOT NULL",
			tenantID, modelName, version, since.UTC()).
		Scan(&row).Error; err != nil {
		return 0, 0, fmt.Errorf("computing rolling error: %w", err)
	}

	if row.MAE == nil {
		return 0, int(row.N), nil
	}

	return *row.MAE, int(row.N), nil
}
