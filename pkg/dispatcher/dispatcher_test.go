package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/dispatcher"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/metrics"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/readiness"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry/artifacts"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/trainer"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
)

const (
	tenant = "acme"
	model  = "demand_forecast"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeTrainer answers train calls from a per-call function. When gate is
// set each call signals started and waits for the gate to open.
type fakeTrainer struct {
	mu      sync.Mutex
	calls   []*trainer.TrainRequest
	respond func(ctx context.Context, req *trainer.TrainRequest) (*trainer.TrainResult, error)
	started chan struct{}
	gate    chan struct{}
	// asOf dates the backtests of canned results.
	asOf func() time.Time
}

func (f *fakeTrainer) Train(
	ctx context.Context, req *trainer.TrainRequest,
) (*trainer.TrainResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()

	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}

	return respond(ctx, req)
}

func (f *fakeTrainer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeTrainer) lastCall() *trainer.TrainRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return nil
	}

	return f.calls[len(f.calls)-1]
}

func (f *fakeTrainer) returns(version string, mae float64, samples int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.respond = func(_ context.Context, _ *trainer.TrainRequest) (*trainer.TrainResult, error) {
		asOf := now
		if f.asOf != nil {
			asOf = f.asOf()
		}

		return trainResult(asOf, version, mae, samples), nil
	}
}

func trainResult(asOf time.Time, version string, mae float64, samples int) *trainer.TrainResult {
	res := &trainer.TrainResult{
		Version:          version,
		DatasetRef:       "warehouse://acme/" + version,
		TrainingRowCount: 20_000,
		Metrics:          arena.Metrics{MAE: mae},
	}

	for i := range samples {
		actual := 100 + mae
		res.Backtests = append(res.Backtests, trainer.EvidenceRow{
			ForecastDate: asOf.AddDate(0, 0, -(i%20)-1),
			Predicted:    100,
			Actual:       &actual,
		})
	}

	return res
}

type fakeBusiness struct {
	mu      sync.Mutex
	metrics map[string]*trainer.BusinessMetrics
}

func (f *fakeBusiness) BusinessMetrics(
	_ context.Context, _, _, version string, _ time.Duration,
) (*trainer.BusinessMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.metrics[version], nil
}

func (f *fakeBusiness) set(version string, stockout, overstock float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics[version] = &trainer.BusinessMetrics{
		StockoutMissRate: arena.Float(stockout),
		OverstockRate:    arena.Float(overstock),
	}
}

type fakeData struct {
	mu    sync.Mutex
	stats *warehouse.TenantDataStats
}

func (f *fakeData) Stats(_ context.Context, _ string) (*warehouse.TenantDataStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stats, nil
}

func (f *fakeData) set(days int, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := now.AddDate(0, 0, -days)
	last := now.Add(-time.Hour)

	f.stats = &warehouse.TenantDataStats{
		TenantID:           tenant,
		RowCount:           rows,
		FirstTransactionAt: &first,
		LastTransactionAt:  &last,
	}
}

// shift moves the transaction window forward, as a tenant that keeps
// trading would.
func (f *fakeData) shift(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := f.stats.FirstTransactionAt.Add(d)
	last := f.stats.LastTransactionAt.Add(d)
	f.stats.FirstTransactionAt = &first
	f.stats.LastTransactionAt = &last
}

// testClock advances one second per reading so registry rows get
// distinct timestamps just after now.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Second)

	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type harness struct {
	store      registry.Store
	classifier readiness.Classifier
	trainer    *fakeTrainer
	business   *fakeBusiness
	data       *fakeData
	reconciler registry.Reconciler
	metrics    *metrics.Metrics
	cfg        dispatcher.Config
	clock      func() time.Time

	storeClock *testClock
	mu         sync.Mutex
	elapsed    time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	clock := &testClock{now: now}

	store := registry.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}, registry.WithClock(clock.Now))
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() { _ = store.Stop() })

	data := &fakeData{}
	data.set(400, 20_000)

	h := &harness{
		store:    store,
		trainer:  &fakeTrainer{},
		business: &fakeBusiness{metrics: map[string]*trainer.BusinessMetrics{}},
		data:     data,
		metrics:  metrics.New(prometheus.NewRegistry()),
		cfg: dispatcher.Config{
			Interval:        time.Hour,
			CycleTimeout:    10 * time.Second,
			TrainingTimeout: 5 * time.Second,
			Concurrency:     4,
			ModelNames:      []string{model},
			Cadence:         7 * 24 * time.Hour,
			DriftThreshold:  0.15,
			DriftWindow:     14 * 24 * time.Hour,
			DriftMinSamples: 5,
			NewDataRows:     5_000,
			EvidenceWindow:  30 * 24 * time.Hour,
		},
		storeClock: clock,
	}

	h.clock = h.at
	h.trainer.asOf = h.at

	h.classifier = readiness.NewClassifier(log, data, store, readiness.Thresholds{
		WarmingMinDays:    90,
		WarmingMinRows:    1_000,
		FullHistoryDays:   365,
		FullHistoryRows:   10_000,
		ActiveAfterCycles: 3,
		RecencyWindow:     14 * 24 * time.Hour,
	}, readiness.WithClock(h.at))

	h.reconciler = registry.NewReconciler(log, store, artifacts.NewLocal(t.TempDir()))

	return h
}

// at is the harness wall clock: now plus whatever advance added.
func (h *harness) at() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return now.Add(h.elapsed)
}

// advance moves every clock of the harness forward. Dispatchers built
// before the call see the new time unless their clock was overridden.
func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.elapsed += d
	h.mu.Unlock()

	h.storeClock.advance(d)
	h.data.shift(d)
}

func (h *harness) dispatcher() dispatcher.Dispatcher {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return dispatcher.NewDispatcher(log, h.cfg, dispatcher.Dependencies{
		Tenants:    h,
		Registry:   h.store,
		Readiness:  h.classifier,
		Arena:      arena.New(arena.Config{MinSamples: 10, StockoutTolerance: 0.005, OverstockTolerance: 0.02}),
		Trainer:    h.trainer,
		Business:   h.business,
		Reconciler: h.reconciler,
		Metrics:    h.metrics,
	}, dispatcher.WithClock(h.clock))
}

func (h *harness) ListEligibleTenants(_ context.Context) ([]warehouse.Tenant, error) {
	return activeTenants(), nil
}

func activeTenants() []warehouse.Tenant {
	return []warehouse.Tenant{{ID: tenant, Name: "Acme", Status: warehouse.TenantActive}}
}

// seedChampion runs a first cycle that promotes v1 with MAE 12.
func seedChampion(t *testing.T, h *harness, d dispatcher.Dispatcher) {
	t.Helper()

	h.trainer.returns("v1", 12, 20)
	h.business.set("v1", 0.05, 0.10)

	events, err := d.DispatchCycle(context.Background(), activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, registry.EventSucceeded, events[0].Status)
}

func TestDispatchCycle_FirstCandidatePromotedWithoutIncumbent(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	h.trainer.returns("v1", 12, 20)
	h.business.set("v1", 0.05, 0.10)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, registry.EventSucceeded, ev.Status)
	assert.Equal(t, registry.TriggerNewData, ev.Trigger, "new_data outranks scheduled")
	assert.Equal(t, "v1", ev.CandidateVersion)
	assert.Empty(t, ev.ChampionVersionAtTime)

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	require.NotNil(t, champion)
	assert.Equal(t, "v1", champion.Version)
	assert.Equal(t, readiness.FeatureTierProduction, champion.FeatureTier)

	experiments, err := h.store.ListExperiments(ctx, tenant, model)
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	assert.Equal(t, arena.ReasonNoIncumbent, experiments[0].Reason)

	assert.False(t, h.reconciler.Stale(), "promotion syncs the file registry")

	summary := d.LastCycle()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Pairs)
	assert.Equal(t, 1, summary.Attempts)
}

func TestDispatchCycle_PromotionArchivesChampion(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	_, err := h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, registry.EventSucceeded, ev.Status)
	assert.Equal(t, registry.TriggerManual, ev.Trigger)
	assert.Equal(t, "v1", ev.ChampionVersionAtTime)
	assert.Equal(t, string(arena.OutcomePromote), ev.Decision)

	v1, err := h.store.GetVersion(ctx, tenant, model, "v1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusArchived, v1.Status)
	assert.NotNil(t, v1.ArchivedAt)

	v2, err := h.store.GetVersion(ctx, tenant, model, "v2")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusChampion, v2.Status)
	assert.Equal(t, "v1", v2.ParentVersion)

	req := h.trainer.lastCall()
	require.NotNil(t, req)
	assert.Equal(t, "v1", req.ParentVersion)
	assert.Empty(t, req.DatasetRef, "retrains read the latest data, not the champion's snapshot")

	n, err := h.store.CountChampions(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := h.store.GetHistory(ctx, tenant, model)
	require.NoError(t, err)
	require.Len(t, history, 2)

	succeeded := 0

	for _, e := range history {
		if e.AttemptID == ev.AttemptID {
			succeeded++
			assert.Equal(t, registry.EventSucceeded, e.Status)
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one terminal event for the attempt")

	pending, err := h.store.PendingRetrainRequest(ctx, tenant, model)
	require.NoError(t, err)
	assert.Nil(t, pending, "manual request consumed")

	state, err := h.classifier.Get(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, 1, state.HealthyCycles, "cycle with a champion and no drift is healthy")

	assert.InDelta(t, 2,
		testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("promote", arena.ReasonGatesPassed))+
			testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("promote", arena.ReasonNoIncumbent)), 0)
}

func TestDispatchCycle_HoldWithoutBusinessMetrics(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	_, err := h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.returns("v2", 10, 20)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventGatedHold, events[0].Status)
	assert.Equal(t, arena.ReasonBusinessMetricsUnavailable, events[0].Reason)

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v1", champion.Version)

	v2, err := h.store.GetVersion(ctx, tenant, model, "v2")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusChallenger, v2.Status)
}

func TestDispatchCycle_RejectOnRegression(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	_, err := h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.returns("v2", 14, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventGatedReject, events[0].Status)
	assert.Equal(t, arena.ReasonDSRegression, events[0].Reason)

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v1", champion.Version)

	v2, err := h.store.GetVersion(ctx, tenant, model, "v2")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusChallenger, v2.Status, "rejected candidate kept for inspection")

	experiments, err := h.store.ListExperiments(ctx, tenant, model)
	require.NoError(t, err)
	require.NotEmpty(t, experiments)
	assert.Equal(t, "v2", experiments[0].ChallengerVersion)
	assert.Equal(t, string(arena.OutcomeReject), experiments[0].Outcome)
}

func TestDispatchCycle_InsufficientSamplesHold(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	_, err := h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.returns("v2", 5, 4)
	h.business.set("v2", 0.01, 0.01)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventGatedHold, events[0].Status)
	assert.Equal(t, arena.ReasonInsufficientSamples, events[0].Reason)
}

func TestDispatchCycle_TrainerFailureLeavesChampion(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	_, err := h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.mu.Lock()
	h.trainer.respond = func(_ context.Context, _ *trainer.TrainRequest) (*trainer.TrainResult, error) {
		return nil, errors.New("training failed: out of memory")
	}
	h.trainer.mu.Unlock()

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventFailed, events[0].Status)
	assert.Contains(t, events[0].FailureReason, "out of memory")

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v1", champion.Version)

	open, err := h.store.ListOpenAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "failure releases the pair")

	pending, err := h.store.PendingRetrainRequest(ctx, tenant, model)
	require.NoError(t, err)
	require.NotNil(t, pending, "the manual request survives the failure")

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err = d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.TriggerManual, events[0].Trigger, "next cycle honors the request")
	assert.Equal(t, registry.EventSucceeded, events[0].Status)
}

func TestDispatchCycle_TrainingTimeoutFailsAttempt(t *testing.T) {
	h := newHarness(t)
	h.cfg.TrainingTimeout = 50 * time.Millisecond
	d := h.dispatcher()
	ctx := context.Background()

	h.trainer.respond = func(ctx context.Context, _ *trainer.TrainRequest) (*trainer.TrainResult, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventFailed, events[0].Status)
	assert.Contains(t, events[0].FailureReason, "timed out")

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Nil(t, champion)
}

func TestDispatchCycle_CycleTimeoutFailsInFlightAttempts(t *testing.T) {
	h := newHarness(t)
	h.cfg.CycleTimeout = 50 * time.Millisecond
	d := h.dispatcher()
	ctx := context.Background()

	h.trainer.respond = func(ctx context.Context, _ *trainer.TrainRequest) (*trainer.TrainResult, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventFailed, events[0].Status)

	open, err := h.store.ListOpenAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDispatchCycle_SkipsPairWithOpenAttempt(t *testing.T) {
	h := newHarness(t)
	h.trainer.started = make(chan struct{}, 1)
	h.trainer.gate = make(chan struct{})
	h.trainer.returns("v1", 12, 20)
	h.business.set("v1", 0.05, 0.10)

	d := h.dispatcher()
	ctx := context.Background()

	type cycleResult struct {
		events []registry.RetrainingEvent
		err    error
	}

	first := make(chan cycleResult, 1)

	go func() {
		events, err := d.DispatchCycle(ctx, activeTenants())
		first <- cycleResult{events: events, err: err}
	}()

	<-h.trainer.started

	second, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	assert.Empty(t, second, "second cycle must not start an attempt")
	assert.Equal(t, 1, h.trainer.Calls())

	open, err := h.store.ListOpenAttempts(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	close(h.trainer.gate)

	res := <-first
	require.NoError(t, res.err)
	require.Len(t, res.events, 1)
	assert.Equal(t, registry.EventSucceeded, res.events[0].Status)

	history, err := h.store.GetHistory(ctx, tenant, model)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	assert.InDelta(t, 1,
		testutil.ToFloat64(h.metrics.Skips.WithLabelValues(dispatcher.SkipAttemptInProgress)), 0)
}

func TestDispatchCycle_ColdStartNotRetrained(t *testing.T) {
	h := newHarness(t)
	h.data.set(10, 200)
	d := h.dispatcher()

	events, err := d.DispatchCycle(context.Background(), activeTenants())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, h.trainer.Calls())
}

func TestDispatchCycle_IgnoresIneligibleTenants(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()

	events, err := d.DispatchCycle(context.Background(), []warehouse.Tenant{
		{ID: tenant, Status: warehouse.TenantSuspended},
		{ID: "gone", Status: warehouse.TenantChurned},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, h.trainer.Calls())
	assert.Equal(t, 0, d.LastCycle().Pairs)
}

func TestDispatchCycle_NoTriggerNoAttempt(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()

	seedChampion(t, h, d)

	events, err := d.DispatchCycle(context.Background(), activeTenants())
	require.NoError(t, err)
	assert.Empty(t, events, "fresh champion, no new data, cadence not elapsed")
	assert.Equal(t, 1, h.trainer.Calls())
}

func TestEvaluateTriggers(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	eval, err := d.EvaluateTriggers(ctx, tenant, model)
	require.NoError(t, err)
	assert.Empty(t, eval.Fired)

	// Champion serves with errors 25% above its baseline MAE.
	shadows := make([]*registry.ShadowPrediction, 0, 6)

	for i := range 6 {
		actual := 115.0
		shadows = append(shadows, &registry.ShadowPrediction{
			TenantID:     tenant,
			ModelName:    model,
			ModelVersion: "v1",
			ForecastDate: now.AddDate(0, 0, -i-1),
			Predicted:    100,
			Actual:       &actual,
		})
	}

	require.NoError(t, h.store.RecordEvidence(ctx, nil, shadows))

	eval, err = d.EvaluateTriggers(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, []registry.Trigger{registry.TriggerDrift}, eval.Fired)
	assert.InDelta(t, 15, eval.RollingError, 1e-9)
	assert.Equal(t, 6, eval.DriftSamples)

	_, err = h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.clock = func() time.Time { return now.Add(8 * 24 * time.Hour) }
	d = h.dispatcher()

	eval, err = d.EvaluateTriggers(ctx, tenant, model)
	require.NoError(t, err)

	highest, ok := eval.Highest()
	require.True(t, ok)
	assert.Equal(t, registry.TriggerManual, highest)
	assert.True(t, eval.Has(registry.TriggerScheduled))
	assert.False(t, eval.Has(registry.TriggerNewData))
}

func TestDispatcher_StartFailsAbandonedAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan, err := h.store.BeginAttempt(ctx, tenant, model, registry.TriggerScheduled)
	require.NoError(t, err)

	h.clock = func() time.Time { return now.Add(time.Hour) }
	h.trainer.returns("v1", 12, 20)

	d := h.dispatcher()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Stop())

	got, err := h.store.GetAttempt(ctx, orphan.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, registry.EventFailed, got.Status)
	assert.Contains(t, got.FailureReason, "abandoned")
}

func TestDispatchCycle_CadenceFiresAfterInterval(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	h.advance(6 * 24 * time.Hour)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	assert.Empty(t, events, "cadence not elapsed after six days")

	h.advance(2 * 24 * time.Hour)

	events, err = d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.TriggerScheduled, events[0].Trigger)
	assert.Equal(t, registry.EventSucceeded, events[0].Status)

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v2", champion.Version)

	events, err = d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	assert.Empty(t, events, "the scheduled attempt restarts the cadence")
}

func TestDispatchCycle_ChampionEvidenceExpires(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	// The champion's training backtests fall out of the evidence window.
	h.advance(40 * 24 * time.Hour)

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventGatedHold, events[0].Status)
	assert.Equal(t, arena.ReasonInsufficientSamples, events[0].Reason)

	experiments, err := h.store.ListExperiments(ctx, tenant, model)
	require.NoError(t, err)
	require.NotEmpty(t, experiments)

	var in arena.Input
	require.NoError(t, json.Unmarshal([]byte(experiments[0].InputJSON), &in))
	assert.Equal(t, 20, in.CandidateSamples)
	assert.Zero(t, in.ChampionSamples)

	// Fresh evidence for the serving champion lets the next challenger
	// be judged.
	backtests := make([]*registry.BacktestResult, 0, 20)
	for i := range 20 {
		backtests = append(backtests, &registry.BacktestResult{
			TenantID:     tenant,
			ModelName:    model,
			ModelVersion: "v1",
			ForecastDate: h.at().AddDate(0, 0, -i-1),
			Predicted:    100,
			Actual:       112,
		})
	}

	require.NoError(t, h.store.RecordEvidence(ctx, backtests, nil))

	_, err = h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	h.trainer.returns("v3", 8, 20)
	h.business.set("v3", 0.05, 0.10)

	events, err = d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventSucceeded, events[0].Status)

	champion, err := h.store.GetChampion(ctx, tenant, model)
	require.NoError(t, err)
	assert.Equal(t, "v3", champion.Version)
}

func TestDispatchCycle_DriftFromRecordedActuals(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	// The champion serves a week of forecasts whose outcomes are not
	// known yet.
	h.advance(24 * time.Hour)

	shadows := make([]*registry.ShadowPrediction, 0, 6)
	actuals := make([]registry.Actual, 0, 6)

	for i := range 6 {
		day := h.at().AddDate(0, 0, -i-1)
		shadows = append(shadows, &registry.ShadowPrediction{
			TenantID:     tenant,
			ModelName:    model,
			ModelVersion: "v1",
			ForecastDate: day,
			Predicted:    100,
		})
		actuals = append(actuals, registry.Actual{ForecastDate: day, Value: 116})
	}

	require.NoError(t, h.store.RecordEvidence(ctx, nil, shadows))

	eval, err := d.EvaluateTriggers(ctx, tenant, model)
	require.NoError(t, err)
	assert.False(t, eval.Has(registry.TriggerDrift), "no actuals, no drift")

	updated, err := h.store.RecordActuals(ctx, tenant, model, actuals)
	require.NoError(t, err)
	assert.Equal(t, int64(6), updated)

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.TriggerDrift, events[0].Trigger)
}

func TestDispatchCycle_ReleasesStaleLockEachCycle(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher()
	ctx := context.Background()

	seedChampion(t, h, d)

	// Another process took the pair lock and never finished.
	orphan, err := h.store.BeginAttempt(ctx, tenant, model, registry.TriggerScheduled)
	require.NoError(t, err)

	_, err = h.store.RequestRetrain(ctx, tenant, model, "ops")
	require.NoError(t, err)

	events, err := d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	assert.Empty(t, events, "a lock younger than the cycle timeout is respected")

	h.advance(24 * time.Hour)

	h.trainer.returns("v2", 8, 20)
	h.business.set("v2", 0.05, 0.10)

	events, err = d.DispatchCycle(ctx, activeTenants())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.TriggerManual, events[0].Trigger)
	assert.Equal(t, registry.EventSucceeded, events[0].Status)

	got, err := h.store.GetAttempt(ctx, orphan.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, registry.EventFailed, got.Status)
	assert.Contains(t, got.FailureReason, "cycle timeout")
	assert.Equal(t, 2, h.trainer.Calls())
}
