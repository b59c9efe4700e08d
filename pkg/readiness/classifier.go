package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/sirupsen/logrus"
)

// ErrDataUnavailable wraps a data source failure. Evaluate still returns
// the last known state alongside it.
var ErrDataUnavailable = errors.New("readiness data unavailable")

// DataSource reads transaction volume for a tenant. A nil result means
// nothing was ingested yet.
type DataSource interface {
	Stats(ctx context.Context, tenantID string) (*warehouse.TenantDataStats, error)
}

// StateStore persists readiness state per pair.
type StateStore interface {
	GetReadiness(ctx context.Context, tenantID, modelName string) (*registry.ReadinessState, error)
	SaveReadiness(ctx context.Context, state *registry.ReadinessState) error
}

// Thresholds are the tier boundaries.
type Thresholds struct {
	WarmingMinDays    int
	WarmingMinRows    int64
	FullHistoryDays   int
	FullHistoryRows   int64
	ActiveAfterCycles int
	RecencyWindow     time.Duration
}

// ThresholdsFrom converts the file configuration.
func ThresholdsFrom(cfg *config.ReadinessConfig) Thresholds {
	return Thresholds{
		WarmingMinDays:    cfg.WarmingMinDays,
		WarmingMinRows:    cfg.WarmingMinRows,
		FullHistoryDays:   cfg.FullHistoryDays,
		FullHistoryRows:   cfg.FullHistoryRows,
		ActiveAfterCycles: cfg.ActiveAfterCycles,
		RecencyWindow:     cfg.RecencyWindow,
	}
}

// State is the outcome of one evaluation.
type State struct {
	TenantID        string               `json:"tenant_id"`
	ModelName       string               `json:"model_name"`
	Tier            Tier                 `json:"tier"`
	DaysOfHistory   int                  `json:"days_of_history"`
	RowCount        int64                `json:"row_count"`
	HealthyCycles   int                  `json:"healthy_cycles"`
	Observation     registry.Observation `json:"observation"`
	Changed         bool                 `json:"changed"`
	LastEvaluatedAt time.Time            `json:"last_evaluated_at"`
	TierChangedAt   *time.Time           `json:"tier_changed_at,omitempty"`
}

// Classifier computes which tier a tenant-model pair is eligible for.
type Classifier interface {
	// Evaluate classifies the pair and persists the result. The tier never
	// decreases between evaluations unless Reset is called. On a data
	// source failure it returns the last known state, with observation
	// partial, together with an error wrapping ErrDataUnavailable.
	Evaluate(ctx context.Context, tenantID, modelName string) (*State, error)

	// RecordCycleHealth counts consecutive healthy cycles of a pair in a
	// production tier. An unhealthy cycle restarts the count.
	RecordCycleHealth(ctx context.Context, tenantID, modelName string, healthy bool) error

	// Reset is the explicit event that allows a tier to move backwards.
	Reset(ctx context.Context, tenantID, modelName, reason string) error

	// Get returns the persisted state without evaluating, or (nil, nil).
	Get(ctx context.Context, tenantID, modelName string) (*State, error)
}

// Option customizes a Classifier.
type Option func(*classifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *classifier) {
		c.now = now
	}
}

// Compile-time interface check.
var _ Classifier = (*classifier)(nil)

type classifier struct {
	log        logrus.FieldLogger
	source     DataSource
	states     StateStore
	thresholds Thresholds
	now        func() time.Time
}

// NewClassifier creates a Classifier.
func NewClassifier(
	log logrus.FieldLogger,
	source DataSource,
	states StateStore,
	thresholds Thresholds,
	opts ...Option,
) Classifier {
	c := &classifier{
		log:        log.WithField("component", "readiness"),
		source:     source,
		states:     states,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *classifier) Evaluate(
	ctx context.Context, tenantID, modelName string,
) (*State, error) {
	prev, err := c.states.GetReadiness(ctx, tenantID, modelName)
	if err != nil {
		return nil, fmt.Errorf("loading readiness state: %w", err)
	}

	now := c.now()
	log := c.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"model_name": modelName,
	})

	stats, err := c.source.Stats(ctx, tenantID)
	if err != nil {
		return c.partial(ctx, log, tenantID, modelName, prev, now, err)
	}

	if stats == nil {
		stats = &warehouse.TenantDataStats{TenantID: tenantID}
	}

	next := &registry.ReadinessState{
		TenantID:        tenantID,
		ModelName:       modelName,
		Tier:            string(TierColdStart),
		DaysOfHistory:   stats.DaysOfHistory(now),
		RowCount:        stats.RowCount,
		Observation:     registry.ObservationComplete,
		LastEvaluatedAt: now,
	}

	prevTier := tierUnknown
	if prev != nil {
		next.ID = prev.ID
		next.HealthyCycles = prev.HealthyCycles
		next.TierChangedAt = prev.TierChangedAt
		next.ResetReason = prev.ResetReason
		prevTier = Tier(prev.Tier)
	}

	computed := c.classify(next.DaysOfHistory, next.RowCount, next.HealthyCycles)

	if !c.recent(stats, now) {
		// Stale streams hold their tier; they never advance on old data.
		next.Observation = registry.ObservationStale
		computed = maxTier(prevTier, TierColdStart)
	}

	tier := maxTier(prevTier, computed)
	next.Tier = string(tier)

	changed := tier != prevTier
	if changed {
		next.TierChangedAt = &now

		log.WithFields(logrus.Fields{
			"from": string(prevTier),
			"to":   string(tier),
		}).Info("Readiness tier changed")
	}

	if err := c.states.SaveReadiness(ctx, next); err != nil {
		return nil, fmt.Errorf("saving readiness state: %w", err)
	}

	st := toState(next)
	st.Changed = changed

	return st, nil
}

// partial returns the last known state unchanged. A pair that was never
// evaluated is reported as cold_start without persisting anything.
func (c *classifier) partial(
	ctx context.Context,
	log logrus.FieldLogger,
	tenantID, modelName string,
	prev *registry.ReadinessState,
	now time.Time,
	cause error,
) (*State, error) {
	log.WithError(cause).Warn("Readiness data source unavailable, holding tier")

	unavailable := fmt.Errorf("%w: %w", ErrDataUnavailable, cause)

	if prev == nil {
		return &State{
			TenantID:        tenantID,
			ModelName:       modelName,
			Tier:            TierColdStart,
			Observation:     registry.ObservationPartial,
			LastEvaluatedAt: now,
		}, unavailable
	}

	held := *prev
	held.Observation = registry.ObservationPartial
	held.LastEvaluatedAt = now

	if err := c.states.SaveReadiness(ctx, &held); err != nil {
		log.WithError(err).Warn("Failed to record partial readiness observation")
	}

	return toState(&held), unavailable
}

func (c *classifier) classify(days int, rows int64, healthyCycles int) Tier {
	t := c.thresholds

	switch {
	case days < t.WarmingMinDays || rows < t.WarmingMinRows:
		return TierColdStart
	case days < t.FullHistoryDays || rows < t.FullHistoryRows:
		return TierWarming
	case t.ActiveAfterCycles > 0 && healthyCycles >= t.ActiveAfterCycles:
		return TierActive
	default:
		return TierCandidate
	}
}

func (c *classifier) recent(stats *warehouse.TenantDataStats, now time.Time) bool {
	if c.thresholds.RecencyWindow <= 0 {
		return true
	}

	if stats.LastTransactionAt == nil {
		return false
	}

	return now.Sub(*stats.LastTransactionAt) <= c.thresholds.RecencyWindow
}

func (c *classifier) RecordCycleHealth(
	ctx context.Context, tenantID, modelName string, healthy bool,
) error {
	state, err := c.states.GetReadiness(ctx, tenantID, modelName)
	if err != nil {
		return fmt.Errorf("loading readiness state: %w", err)
	}

	if state == nil || Tier(state.Tier).Rank() < TierCandidate.Rank() {
		return nil
	}

	if healthy {
		state.HealthyCycles++
	} else {
		state.HealthyCycles = 0
	}

	if err := c.states.SaveReadiness(ctx, state); err != nil {
		return fmt.Errorf("saving cycle health: %w", err)
	}

	return nil
}

func (c *classifier) Reset(
	ctx context.Context, tenantID, modelName, reason string,
) error {
	state, err := c.states.GetReadiness(ctx, tenantID, modelName)
	if err != nil {
		return fmt.Errorf("loading readiness state: %w", err)
	}

	now := c.now()

	if state == nil {
		state = &registry.ReadinessState{
			TenantID:        tenantID,
			ModelName:       modelName,
			LastEvaluatedAt: now,
			Observation:     registry.ObservationComplete,
		}
	}

	c.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"model_name": modelName,
		"from":       state.Tier,
		"reason":     reason,
	}).Warn("Readiness tier reset")

	state.Tier = string(TierColdStart)
	state.HealthyCycles = 0
	state.ResetReason = reason
	state.TierChangedAt = &now

	if err := c.states.SaveReadiness(ctx, state); err != nil {
		return fmt.Errorf("saving readiness reset: %w", err)
	}

	return nil
}

func (c *classifier) Get(
	ctx context.Context, tenantID, modelName string,
) (*State, error) {
	state, err := c.states.GetReadiness(ctx, tenantID, modelName)
	if err != nil {
		return nil, fmt.Errorf("loading readiness state: %w", err)
	}

	if state == nil {
		return nil, nil
	}

	return toState(state), nil
}

func toState(s *registry.ReadinessState) *State {
	return &State{
		TenantID:        s.TenantID,
		ModelName:       s.ModelName,
		Tier:            Tier(s.Tier),
		DaysOfHistory:   s.DaysOfHistory,
		RowCount:        s.RowCount,
		HealthyCycles:   s.HealthyCycles,
		Observation:     s.Observation,
		LastEvaluatedAt: s.LastEvaluatedAt,
		TierChangedAt:   s.TierChangedAt,
	}
}
