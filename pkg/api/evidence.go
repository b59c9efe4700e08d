package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/trainer"
	"github.com/go-chi/chi/v5"
)

// maxEvidenceBody bounds evidence and actuals uploads.
const maxEvidenceBody = 4 << 20

type evidenceRequest struct {
	Backtests []trainer.EvidenceRow `json:"backtests"`
	Shadows   []trainer.EvidenceRow `json:"shadow_predictions"`
}

type evidenceResponse struct {
	Version   string `json:"version"`
	Backtests int    `json:"backtests"`
	Shadows   int    `json:"shadow_predictions"`
}

func (b *evidenceRequest) validate() error {
	if len(b.Backtests) == 0 && len(b.Shadows) == 0 {
		return errors.New("no evidence rows")
	}

	for i, row := range b.Backtests {
		if row.ForecastDate.IsZero() {
			return fmt.Errorf("backtests[%d]: forecast_date is required", i)
		}

		if row.Actual == nil {
			return fmt.Errorf("backtests[%d]: actual is required", i)
		}
	}

	for i, row := range b.Shadows {
		if row.ForecastDate.IsZero() {
			return fmt.Errorf("shadow_predictions[%d]: forecast_date is required", i)
		}
	}

	return nil
}

// handleEvidence appends evaluation rows produced outside a training run,
// e.g. by a scheduled backtest job or the serving path's shadow traffic.
// This keeps champion evidence inside the arena's window between retrains.
func (s *server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)
	version := chi.URLParam(r, "version")

	var body evidenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEvidenceBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if err := body.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if _, err := s.deps.Registry.GetVersion(r.Context(), tenantID, modelName, version); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"unknown version"})

			return
		}

		s.internalError(w, r, err)

		return
	}

	backtests := make([]*registry.BacktestResult, 0, len(body.Backtests))
	for _, row := range body.Backtests {
		backtests = append(backtests, &registry.BacktestResult{
			TenantID:     tenantID,
			ModelName:    modelName,
			ModelVersion: version,
			ForecastDate: row.ForecastDate,
			Predicted:    row.Predicted,
			Actual:       *row.Actual,
		})
	}

	shadows := make([]*registry.ShadowPrediction, 0, len(body.Shadows))
	for _, row := range body.Shadows {
		shadows = append(shadows, &registry.ShadowPrediction{
			TenantID:     tenantID,
			ModelName:    modelName,
			ModelVersion: version,
			ForecastDate: row.ForecastDate,
			Predicted:    row.Predicted,
			Actual:       row.Actual,
		})
	}

	if err := s.deps.Registry.RecordEvidence(r.Context(), backtests, shadows); err != nil {
		s.internalError(w, r, err)

		return
	}

	s.log.WithField("tenant_id", tenantID).
		WithField("model_name", modelName).
		WithField("version", version).
		WithField("backtests", len(backtests)).
		WithField("shadow_predictions", len(shadows)).
		Debug("Evidence recorded")

	writeJSON(w, http.StatusCreated, evidenceResponse{
		Version:   version,
		Backtests: len(backtests),
		Shadows:   len(shadows),
	})
}

type actualsRequest struct {
	Actuals []registry.Actual `json:"actuals"`
}

// handleActuals closes open shadow predictions of a pair with observed
// outcomes. Drift detection reads the resulting errors.
func (s *server) handleActuals(w http.ResponseWriter, r *http.Request) {
	tenantID, modelName := pairParams(r)

	var body actualsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEvidenceBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if len(body.Actuals) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"no actuals"})

		return
	}

	for i, a := range body.Actuals {
		if a.ForecastDate.IsZero() {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{fmt.Sprintf("actuals[%d]: forecast_date is required", i)})

			return
		}
	}

	updated, err := s.deps.Registry.RecordActuals(r.Context(), tenantID, modelName, body.Actuals)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}
