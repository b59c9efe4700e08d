package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/metrics"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/readiness"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/trainer"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of pairs dispatched in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// completionTimeout bounds the terminal write of an attempt whose cycle
// context is already gone.
const completionTimeout = 30 * time.Second

// Skip reasons.
const (
	SkipColdStart         = "cold_start"
	SkipDataUnavailable   = "data_unavailable"
	SkipNoTrigger         = "no_trigger"
	SkipAttemptInProgress = "attempt_in_progress"
	SkipCancelled         = "cancelled"
)

// TenantSource lists tenants eligible for work.
type TenantSource interface {
	ListEligibleTenants(ctx context.Context) ([]warehouse.Tenant, error)
}

// Dispatcher fans retraining out across tenant-model pairs.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error

	// DispatchCycle runs one cycle over the given tenants and returns the
	// attempts that reached a terminal status in it. Tenants that are not
	// active or trial are ignored.
	DispatchCycle(ctx context.Context, tenants []warehouse.Tenant) ([]registry.RetrainingEvent, error)

	// RunCycle lists eligible tenants and dispatches one cycle.
	RunCycle(ctx context.Context) ([]registry.RetrainingEvent, error)

	EvaluateTriggers(ctx context.Context, tenantID, modelName string) (*Evaluation, error)

	// LastCycle returns the summary of the most recent cycle, or nil.
	LastCycle() *CycleSummary
}

// Config holds the dispatcher parameters.
type Config struct {
	Interval        time.Duration
	CycleTimeout    time.Duration
	TrainingTimeout time.Duration
	Concurrency     int
	ModelNames      []string
	Cadence         time.Duration
	DriftThreshold  float64
	DriftWindow     time.Duration
	DriftMinSamples int
	NewDataRows     int64
	EvidenceWindow  time.Duration
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg *config.Config) Config {
	d := cfg.Dispatcher

	return Config{
		Interval:        d.Interval,
		CycleTimeout:    d.CycleTimeout,
		TrainingTimeout: d.TrainingTimeout,
		Concurrency:     d.Concurrency,
		ModelNames:      d.ModelNames,
		Cadence:         d.Cadence,
		DriftThreshold:  d.DriftThreshold,
		DriftWindow:     d.DriftWindow,
		DriftMinSamples: d.DriftMinSamples,
		NewDataRows:     d.NewDataRows,
		EvidenceWindow:  cfg.Registry.EvidenceWindow,
	}
}

// Dependencies are the collaborators of a Dispatcher. Business,
// Reconciler and Metrics are optional.
type Dependencies struct {
	Tenants    TenantSource
	Registry   registry.Store
	Readiness  readiness.Classifier
	Arena      arena.Arena
	Trainer    trainer.Trainer
	Business   trainer.BusinessMetricsSource
	Reconciler registry.Reconciler
	Metrics    *metrics.Metrics
}

// CycleSummary describes one finished cycle.
type CycleSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Pairs      int       `json:"pairs"`
	Attempts   int       `json:"attempts"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Option customizes a Dispatcher.
type Option func(*dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *dispatcher) {
		d.now = now
	}
}

// Compile-time interface check.
var _ Dispatcher = (*dispatcher)(nil)

type dispatcher struct {
	log        logrus.FieldLogger
	cfg        Config
	tenants    TenantSource
	registry   registry.Store
	readiness  readiness.Classifier
	arena      arena.Arena
	trainer    trainer.Trainer
	business   trainer.BusinessMetricsSource
	reconciler registry.Reconciler
	metrics    *metrics.Metrics
	now        func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	lastCycle atomic.Pointer[CycleSummary]
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	log logrus.FieldLogger,
	cfg Config,
	deps Dependencies,
	opts ...Option,
) Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	if len(cfg.ModelNames) == 0 {
		cfg.ModelNames = []string{config.DefaultModelName}
	}

	d := &dispatcher{
		log:        log.WithField("component", "dispatcher"),
		cfg:        cfg,
		tenants:    deps.Tenants,
		registry:   deps.Registry,
		readiness:  deps.Readiness,
		arena:      deps.Arena,
		trainer:    deps.Trainer,
		business:   deps.Business,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start fails attempts orphaned by a previous process, then launches a
// goroutine that runs an immediate cycle and ticks at the configured
// interval.
func (d *dispatcher) Start(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"interval":    d.cfg.Interval.String(),
		"concurrency": d.cfg.Concurrency,
		"models":      d.cfg.ModelNames,
	}).Info("Starting dispatcher")

	if err := d.releaseStale(ctx, "abandoned by a previous dispatcher"); err != nil {
		return err
	}

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		d.runLoopCycle(ctx)

		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.runLoopCycle(ctx)
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for the running cycle.
func (d *dispatcher) Stop() error {
	close(d.done)
	d.wg.Wait()

	d.log.Info("Dispatcher stopped")

	return nil
}

func (d *dispatcher) runLoopCycle(ctx context.Context) {
	// Stop cancels the running cycle; its in-flight attempts are failed.
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.done:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	if _, err := d.RunCycle(cycleCtx); err != nil {
		d.log.WithError(err).Warn("Dispatch cycle failed")
	}
}

// releaseStale fails attempts started more than a cycle timeout ago. No
// attempt can outlive the cycle that began it, so such a row is a lock
// left by another process or by a failure write that never landed.
func (d *dispatcher) releaseStale(ctx context.Context, reason string) error {
	if d.cfg.CycleTimeout <= 0 {
		return nil
	}

	cutoff := d.now().Add(-d.cfg.CycleTimeout)

	n, err := d.registry.FailStaleAttempts(ctx, cutoff, reason)
	if err != nil {
		return fmt.Errorf("releasing stale attempts: %w", err)
	}

	if n > 0 {
		d.log.WithFields(logrus.Fields{
			"count":  n,
			"cutoff": cutoff,
		}).Warn("Failed stale retraining attempts")
	}

	return nil
}

func (d *dispatcher) LastCycle() *CycleSummary {
	return d.lastCycle.Load()
}

func (d *dispatcher) RunCycle(ctx context.Context) ([]registry.RetrainingEvent, error) {
	tenants, err := d.tenants.ListEligibleTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing eligible tenants: %w", err)
	}

	return d.DispatchCycle(ctx, tenants)
}

type pairTask struct {
	tenantID  string
	modelName string
}

func (d *dispatcher) DispatchCycle(
	ctx context.Context, tenants []warehouse.Tenant,
) ([]registry.RetrainingEvent, error) {
	start := d.now()

	if err := d.releaseStale(ctx, "exceeded the cycle timeout"); err != nil {
		return nil, err
	}

	if d.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.cfg.CycleTimeout)
		defer cancel()
	}

	tasks := make([]pairTask, 0, len(tenants)*len(d.cfg.ModelNames))

	for _, t := range tenants {
		if !t.Status.Eligible() {
			continue
		}

		for _, m := range d.cfg.ModelNames {
			tasks = append(tasks, pairTask{tenantID: t.ID, modelName: m})
		}
	}

	d.log.WithField("pairs", len(tasks)).Info("Dispatch cycle started")

	results := make([]*registry.RetrainingEvent, len(tasks))

	var skipped atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for i, task := range tasks {
		g.Go(func() error {
			pairLog := d.log.WithFields(logrus.Fields{
				"tenant_id":  task.tenantID,
				"model_name": task.modelName,
			})

			select {
			case <-gCtx.Done():
				d.skip(pairLog, SkipCancelled)
				skipped.Add(1)

				return nil
			default:
			}

			event, err := d.dispatchPair(gCtx, pairLog, task)
			if err != nil {
				pairLog.WithError(err).Warn("Failed to dispatch pair")

				return nil //nolint:nilerr // log and continue
			}

			if event == nil {
				skipped.Add(1)

				return nil
			}

			results[i] = event

			return nil
		})
	}

	_ = g.Wait()

	events := make([]registry.RetrainingEvent, 0, len(results))

	for _, ev := range results {
		if ev != nil {
			events = append(events, *ev)
		}
	}

	var cycleErr error
	if err := ctx.Err(); err != nil {
		cycleErr = fmt.Errorf("dispatch cycle aborted: %w", err)
	}

	finished := d.now()
	summary := &CycleSummary{
		StartedAt:  start,
		FinishedAt: finished,
		Pairs:      len(tasks),
		Attempts:   len(events),
		Skipped:    int(skipped.Load()),
	}

	if cycleErr != nil {
		summary.Error = cycleErr.Error()
	}

	d.lastCycle.Store(summary)
	d.metrics.ObserveCycle(finished.Sub(start), cycleErr)

	d.log.WithFields(logrus.Fields{
		"pairs":    summary.Pairs,
		"attempts": summary.Attempts,
		"skipped":  summary.Skipped,
		"duration": finished.Sub(start).Round(time.Millisecond),
	}).Info("Dispatch cycle completed")

	return events, cycleErr
}

func (d *dispatcher) skip(log logrus.FieldLogger, reason string) {
	d.metrics.ObserveSkip(reason)
	log.WithField("reason", reason).Debug("Skipping pair")
}

// dispatchPair takes one pair from idle through at most one attempt. It
// returns the terminal event, or nil when no attempt was started.
func (d *dispatcher) dispatchPair(
	ctx context.Context, log logrus.FieldLogger, task pairTask,
) (*registry.RetrainingEvent, error) {
	state, err := d.readiness.Evaluate(ctx, task.tenantID, task.modelName)
	if err != nil {
		if errors.Is(err, readiness.ErrDataUnavailable) {
			d.skip(log, SkipDataUnavailable)

			return nil, nil
		}

		return nil, fmt.Errorf("evaluating readiness: %w", err)
	}

	if !state.Tier.Retrainable() {
		d.skip(log, SkipColdStart)

		return nil, nil
	}

	champion, err := d.registry.GetChampion(ctx, task.tenantID, task.modelName)
	if err != nil {
		return nil, err
	}

	now := d.now()

	eval, err := d.evaluateTriggers(ctx, task.tenantID, task.modelName, champion, state.RowCount, now)
	if err != nil {
		return nil, fmt.Errorf("evaluating triggers: %w", err)
	}

	healthy := champion != nil && !eval.Has(registry.TriggerDrift)
	defer func() {
		if err := d.readiness.RecordCycleHealth(
			context.WithoutCancel(ctx), task.tenantID, task.modelName, healthy,
		); err != nil {
			log.WithError(err).Warn("Failed to record cycle health")
		}
	}()

	trigger, ok := eval.Highest()
	if !ok {
		d.skip(log, SkipNoTrigger)

		return nil, nil
	}

	event, err := d.registry.BeginAttempt(ctx, task.tenantID, task.modelName, trigger)
	if errors.Is(err, registry.ErrAttemptInProgress) {
		d.metrics.ObserveSkip(SkipAttemptInProgress)
		log.WithField("trigger", trigger).
			Info("Retraining attempt already in progress, skipping pair")

		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	log = log.WithFields(logrus.Fields{
		"attempt_id": event.AttemptID,
		"trigger":    trigger,
		"fired":      eval.Fired,
	})
	log.Info("Retraining attempt started")

	done, err := d.runAttempt(ctx, log, event, state, champion)
	if err != nil {
		return d.fail(ctx, log, event, err), nil
	}

	d.metrics.ObserveAttempt(string(done.Trigger), string(done.Status))

	return done, nil
}

// runAttempt trains a candidate, records its evidence and applies the
// arena decision. Any error leaves the attempt open for the caller to
// fail.
func (d *dispatcher) runAttempt(
	ctx context.Context,
	log logrus.FieldLogger,
	event *registry.RetrainingEvent,
	state *readiness.State,
	champion *registry.ModelVersion,
) (*registry.RetrainingEvent, error) {
	req := &trainer.TrainRequest{
		AttemptID:   event.AttemptID,
		TenantID:    event.TenantID,
		ModelName:   event.ModelName,
		FeatureTier: state.Tier.FeatureTier(),
	}

	// DatasetRef stays empty so the trainer reads the latest data.
	if champion != nil {
		req.ParentVersion = champion.Version
	}

	result, err := d.train(ctx, req)
	if err != nil {
		return nil, err
	}

	candidate := &registry.ModelVersion{
		TenantID:         event.TenantID,
		ModelName:        event.ModelName,
		Version:          result.Version,
		FeatureTier:      req.FeatureTier,
		DatasetRef:       result.DatasetRef,
		TrainingRowCount: result.TrainingRowCount,
		ParentVersion:    req.ParentVersion,
	}
	candidate.SetMetrics(result.Metrics)

	if err := d.registry.RegisterCandidate(ctx, candidate); err != nil {
		return nil, err
	}

	backtests, shadows := evidenceRows(candidate, result)
	if err := d.registry.RecordEvidence(ctx, backtests, shadows); err != nil {
		return nil, err
	}

	if len(backtests) > 0 {
		if err := d.registry.MarkChallenger(
			ctx, candidate.TenantID, candidate.ModelName, candidate.Version,
		); err != nil {
			return nil, err
		}
	} else {
		log.WithField("version", candidate.Version).
			Warn("Candidate returned without backtest evidence")
	}

	in, err := d.arenaInput(ctx, log, candidate, champion)
	if err != nil {
		return nil, err
	}

	decision := d.arena.Decide(*in)
	d.metrics.ObserveDecision(string(decision.Outcome), decision.Reason)

	done, err := d.registry.ApplyDecision(ctx, &registry.DecisionRecord{
		AttemptID:        event.AttemptID,
		TenantID:         event.TenantID,
		ModelName:        event.ModelName,
		CandidateVersion: candidate.Version,
		Input:            *in,
		Decision:         decision,
	})
	if err != nil {
		return nil, fmt.Errorf("applying decision: %w", err)
	}

	log.WithFields(logrus.Fields{
		"version":           candidate.Version,
		"outcome":           decision.Outcome,
		"reason":            decision.Reason,
		"candidate_samples": in.CandidateSamples,
		"champion_samples":  in.ChampionSamples,
	}).Info("Retraining attempt completed")

	if decision.Outcome == arena.OutcomePromote {
		d.syncFiles(ctx, log)
	}

	return done, nil
}

func (d *dispatcher) train(
	ctx context.Context, req *trainer.TrainRequest,
) (*trainer.TrainResult, error) {
	if d.cfg.TrainingTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.cfg.TrainingTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.trainer.Train(ctx, req)

	d.metrics.ObserveTraining(time.Since(start))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}

		return nil, err
	}

	return result, nil
}

// arenaInput gathers metrics and sample counts of both sides over the
// evidence window. Business metrics from the collaborator override the
// ones carried by the version; a lookup failure leaves them absent.
func (d *dispatcher) arenaInput(
	ctx context.Context,
	log logrus.FieldLogger,
	candidate, champion *registry.ModelVersion,
) (*arena.Input, error) {
	since := d.now().Add(-d.cfg.EvidenceWindow)

	in := &arena.Input{Candidate: candidate.Metrics()}

	n, err := d.registry.SampleCount(
		ctx, candidate.TenantID, candidate.ModelName, candidate.Version, since,
	)
	if err != nil {
		return nil, err
	}

	in.CandidateSamples = n
	d.applyBusiness(ctx, log, &in.Candidate, candidate)

	if champion == nil {
		return in, nil
	}

	champMetrics := champion.Metrics()
	in.Champion = &champMetrics

	n, err = d.registry.SampleCount(
		ctx, champion.TenantID, champion.ModelName, champion.Version, since,
	)
	if err != nil {
		return nil, err
	}

	in.ChampionSamples = n
	d.applyBusiness(ctx, log, in.Champion, champion)

	return in, nil
}

func (d *dispatcher) applyBusiness(
	ctx context.Context,
	log logrus.FieldLogger,
	m *arena.Metrics,
	v *registry.ModelVersion,
) {
	if d.business == nil {
		return
	}

	bm, err := d.business.BusinessMetrics(
		ctx, v.TenantID, v.ModelName, v.Version, d.cfg.EvidenceWindow,
	)
	if err != nil {
		log.WithError(err).WithField("version", v.Version).
			Warn("Business metrics unavailable")

		return
	}

	if bm == nil {
		return
	}

	if bm.StockoutMissRate != nil {
		m.StockoutMissRate = bm.StockoutMissRate
	}

	if bm.OverstockRate != nil {
		m.OverstockRate = bm.OverstockRate
	}
}

// fail marks an attempt failed. The write outlives the cycle context so
// that a timed out attempt still releases its pair.
func (d *dispatcher) fail(
	ctx context.Context,
	log logrus.FieldLogger,
	event *registry.RetrainingEvent,
	cause error,
) *registry.RetrainingEvent {
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "training timed out: " + reason
	}

	log.WithError(cause).Warn("Retraining attempt failed")

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	failed, err := d.registry.FailAttempt(writeCtx, event.AttemptID, reason)
	if err != nil {
		log.WithError(err).Error("Failed to mark attempt failed")

		return nil
	}

	d.metrics.ObserveAttempt(string(failed.Trigger), string(failed.Status))

	return failed
}

func (d *dispatcher) syncFiles(ctx context.Context, log logrus.FieldLogger) {
	if d.reconciler == nil {
		return
	}

	report, err := d.reconciler.Sync(ctx)

	written := 0
	if report != nil {
		written = report.FilesWritten
	}

	d.metrics.ObserveSync(written, d.reconciler.Stale(), err)

	if err != nil {
		log.WithError(err).Warn("File registry sync failed, flagged stale")
	}
}

func evidenceRows(
	v *registry.ModelVersion, result *trainer.TrainResult,
) ([]*registry.BacktestResult, []*registry.ShadowPrediction) {
	backtests := make([]*registry.BacktestResult, 0, len(result.Backtests))

	for _, row := range result.Backtests {
		// A backtest without an actual is not evidence.
		if row.Actual == nil {
			continue
		}

		backtests = append(backtests, &registry.BacktestResult{
			TenantID:     v.TenantID,
			ModelName:    v.ModelName,
			ModelVersion: v.Version,
			ForecastDate: row.ForecastDate,
			Predicted:    row.Predicted,
			Actual:       *row.Actual,
		})
	}

	shadows := make([]*registry.ShadowPrediction, 0, len(result.Shadows))

	for _, row := range result.Shadows {
		shadows = append(shadows, &registry.ShadowPrediction{
			TenantID:     v.TenantID,
			ModelName:    v.ModelName,
			ModelVersion: v.Version,
			ForecastDate: row.ForecastDate,
			Predicted:    row.Predicted,
			Actual:       row.Actual,
		})
	}

	return backtests, shadows
}
