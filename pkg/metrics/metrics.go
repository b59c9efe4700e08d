package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shelfops"

// Metrics holds the collectors of the orchestration engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	CycleDuration     prometheus.Histogram
	Cycles            *prometheus.CounterVec
	Attempts          *prometheus.CounterVec
	Skips             *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	TrainingDuration  prometheus.Histogram
	Syncs             *prometheus.CounterVec
	FilesWritten      prometheus.Counter
	FileRegistryStale prometheus.Gauge
	IngestionNotices  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Duration of retrain dispatch cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Dispatch cycles by result.",
		}, []string{"result"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrain_attempts_total",
			Help:      "Completed retraining attempts by trigger and terminal status.",
		}, []string{"trigger", "status"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrain_skips_total",
			Help:      "Tenant-model pairs skipped in a cycle by reason.",
		}, []string{"reason"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_decisions_total",
			Help:      "Promotion arena decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Duration of training collaborator calls.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_syncs_total",
			Help:      "File registry reconciliations by result.",
		}, []string{"result"}),
		FilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_files_written_total",
			Help:      "File registry files overwritten by reconciliation.",
		}),
		FileRegistryStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "file_registry_stale",
			Help:      "1 while the file registry may lag the database.",
		}),
		IngestionNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_notices_total",
			Help:      "Ingestion notices consumed by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.Cycles,
		m.Attempts,
		m.Skips,
		m.Decisions,
		m.TrainingDuration,
		m.Syncs,
		m.FilesWritten,
		m.FileRegistryStale,
		m.IngestionNotices,
	)

	return m
}

// ObserveCycle records one finished dispatch cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}

	m.CycleDuration.Observe(d.Seconds())
	m.Cycles.WithLabelValues(result(err)).Inc()
}

// ObserveAttempt records a terminal attempt.
func (m *Metrics) ObserveAttempt(trigger, status string) {
	if m == nil {
		return
	}

	m.Attempts.WithLabelValues(trigger, status).Inc()
}

// ObserveSkip records a pair skipped in a cycle.
func (m *Metrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}

	m.Skips.WithLabelValues(reason).Inc()
}

// ObserveDecision records an arena decision.
func (m *Metrics) ObserveDecision(outcome, reason string) {
	if m == nil {
		return
	}

	m.Decisions.WithLabelValues(outcome, reason).Inc()
}

// ObserveTraining records a training call duration.
func (m *Metrics) ObserveTraining(d time.Duration) {
	if m == nil {
		return
	}

	m.TrainingDuration.Observe(d.Seconds())
}

// ObserveSync records a reconciliation and the resulting stale flag.
func (m *Metrics) ObserveSync(filesWritten int, stale bool, err error) {
	if m == nil {
		return
	}

	m.Syncs.WithLabelValues(result(err)).Inc()
	m.FilesWritten.Add(float64(filesWritten))

	if stale {
		m.FileRegistryStale.Set(1)
	} else {
		m.FileRegistryStale.Set(0)
	}
}

// ObserveIngestion records a consumed ingestion notice.
func (m *Metrics) ObserveIngestion(res string) {
	if m == nil {
		return
	}

	m.IngestionNotices.WithLabelValues(res).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
