package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
)

// Evaluation holds the triggers that fired for one pair in one cycle.
type Evaluation struct {
	// Fired is ordered by priority, highest first.
	Fired []registry.Trigger `json:"fired"`

	RollingError float64 `json:"rolling_error,omitempty"`
	DriftSamples int     `json:"drift_samples,omitempty"`
	NewRows      int64   `json:"new_rows,omitempty"`
}

// Highest returns the trigger recorded on the attempt.
func (e *Evaluation) Highest() (registry.Trigger, bool) {
	if len(e.Fired) == 0 {
		return "", false
	}

	return e.Fired[0], true
}

// Has reports whether t fired.
func (e *Evaluation) Has(t registry.Trigger) bool {
	for _, f := range e.Fired {
		if f == t {
			return true
		}
	}

	return false
}

func (e *Evaluation) fire(t registry.Trigger) {
	e.Fired = append(e.Fired, t)
}

// evaluateTriggers checks every trigger of a pair once. rows is the
// tenant's current transaction row count.
func (d *dispatcher) evaluateTriggers(
	ctx context.Context,
	tenantID, modelName string,
	champion *registry.ModelVersion,
	rows int64,
	now time.Time,
) (*Evaluation, error) {
	eval := &Evaluation{}

	pending, err := d.registry.PendingRetrainRequest(ctx, tenantID, modelName)
	if err != nil {
		return nil, err
	}

	if pending != nil {
		eval.fire(registry.TriggerManual)
	}

	if champion != nil && d.cfg.DriftThreshold > 0 && champion.MAE > 0 {
		mae, n, err := d.registry.RollingError(
			ctx, tenantID, modelName, champion.Version, now.Add(-d.cfg.DriftWindow),
		)
		if err != nil {
			return nil, err
		}

		eval.RollingError = mae
		eval.DriftSamples = n

		if n >= d.cfg.DriftMinSamples && mae > champion.MAE*(1+d.cfg.DriftThreshold) {
			eval.fire(registry.TriggerDrift)
		}
	}

	if champion == nil {
		eval.NewRows = rows
		if rows > 0 {
			eval.fire(registry.TriggerNewData)
		}
	} else {
		eval.NewRows = rows - champion.TrainingRowCount
		if d.cfg.NewDataRows > 0 && eval.NewRows >= d.cfg.NewDataRows {
			eval.fire(registry.TriggerNewData)
		}
	}

	last, err := d.registry.LastCompletedAttempt(ctx, tenantID, modelName)
	if err != nil {
		return nil, err
	}

	if last == nil || d.cadenceElapsed(last, now) {
		eval.fire(registry.TriggerScheduled)
	}

	sort.SliceStable(eval.Fired, func(i, j int) bool {
		return eval.Fired[i].Priority() > eval.Fired[j].Priority()
	})

	return eval, nil
}

func (d *dispatcher) cadenceElapsed(last *registry.RetrainingEvent, now time.Time) bool {
	at := last.CreatedAt
	if last.CompletedAt != nil {
		at = *last.CompletedAt
	}

	return now.Sub(at) >= d.cfg.Cadence
}

// EvaluateTriggers reports which triggers would fire for a pair right now
// without starting an attempt.
func (d *dispatcher) EvaluateTriggers(
	ctx context.Context, tenantID, modelName string,
) (*Evaluation, error) {
	champion, err := d.registry.GetChampion(ctx, tenantID, modelName)
	if err != nil {
		return nil, err
	}

	state, err := d.readiness.Get(ctx, tenantID, modelName)
	if err != nil {
		return nil, err
	}

	var rows int64
	if state != nil {
		rows = state.RowCount
	}

	eval, err := d.evaluateTriggers(ctx, tenantID, modelName, champion, rows, d.now())
	if err != nil {
		return nil, fmt.Errorf("evaluating triggers: %w", err)
	}

	return eval, nil
}
