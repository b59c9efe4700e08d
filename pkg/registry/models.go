package registry

import (
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
)

// Status is the lifecycle status of a model version.
type Status string

// Model version statuses.
const (
	StatusCandidate  Status = "candidate"
	StatusChallenger Status = "challenger"
	StatusChampion   Status = "champion"
	StatusArchived   Status = "archived"
	StatusRejected   Status = "rejected"
)

// Trigger is the reason a retraining attempt was started. Triggers are
// totally ordered; when several fire in one cycle the highest is recorded.
type Trigger string

// Retraining triggers.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerNewData   Trigger = "new_data"
	TriggerDrift     Trigger = "drift"
	TriggerManual    Trigger = "manual"
)

// Priority returns the rank of a trigger; higher wins.
func (t Trigger) Priority() int {
	switch t {
	case TriggerManual:
		return 4
	case TriggerDrift:
		return 3
	case TriggerNewData:
		return 2
	case TriggerScheduled:
		return 1
	default:
		return 0
	}
}

// EventStatus is the status of a retraining attempt.
type EventStatus string

// Retraining event statuses. Only EventStarted is non-terminal.
const (
	EventStarted     EventStatus = "started"
	EventSucceeded   EventStatus = "succeeded"
	EventFailed      EventStatus = "failed"
	EventGatedHold   EventStatus = "gated_hold"
	EventGatedReject EventStatus = "gated_reject"
)

// Terminal reports whether the attempt has finished.
func (s EventStatus) Terminal() bool {
	return s != EventStarted
}

// terminalEventStatuses are attempt statuses that will not change.
var terminalEventStatuses = []EventStatus{
	EventSucceeded, EventFailed, EventGatedHold, EventGatedReject,
}

// ModelVersion is the metadata of one trained artifact. Rows are never
// deleted; superseded champions are archived.
type ModelVersion struct {
	ID               uint     `gorm:"primaryKey" json:"-"`
	TenantID         string   `gorm:"not null;uniqueIndex:idx_mv_pair_version;index:idx_mv_pair_status" json:"tenant_id"`
	ModelName        string   `gorm:"not null;uniqueIndex:idx_mv_pair_version;index:idx_mv_pair_status" json:"model_name"`
	Version          string   `gorm:"not null;uniqueIndex:idx_mv_pair_version" json:"version"`
	Status           Status   `gorm:"not null;index:idx_mv_pair_status" json:"status"`
	FeatureTier      string   `json:"feature_tier"`
	DatasetRef       string   `json:"dataset_ref"`
	TrainingRowCount int64    `json:"training_row_count"`
	ParentVersion    string   `json:"parent_version,omitempty"`
	MAE              float64  `json:"mae"`
	MAPE             *float64 `json:"mape,omitempty"`
	Coverage         *float64 `json:"coverage,omitempty"`
	StockoutMissRate *float64 `json:"stockout_miss_rate,omitempty"`
	OverstockRate    *float64 `json:"overstock_rate,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// TableName returns the GORM table name.
func (ModelVersion) TableName() string { return "model_versions" }

// Metrics returns the arena snapshot of the version.
func (v *ModelVersion) Metrics() arena.Metrics {
	return arena.Metrics{
		MAE:              v.MAE,
		MAPE:             v.MAPE,
		Coverage:         v.Coverage,
		StockoutMissRate: v.StockoutMissRate,
		OverstockRate:    v.OverstockRate,
	}
}

// SetMetrics copies an arena snapshot onto the version.
func (v *ModelVersion) SetMetrics(m arena.Metrics) {
	v.MAE = m.MAE
	v.MAPE = m.MAPE
	v.Coverage = m.Coverage
	v.StockoutMissRate = m.StockoutMissRate
	v.OverstockRate = m.OverstockRate
}

// RetrainingEvent is the audit row bracketing one retraining attempt.
// It is inserted as started before training and completed exactly once.
type RetrainingEvent struct {
	ID                    uint        `gorm:"primaryKey" json:"id"`
	AttemptID             string      `gorm:"not null;uniqueIndex" json:"attempt_id"`
	TenantID              string      `gorm:"not null;index:idx_rl_pair" json:"tenant_id"`
	ModelName             string      `gorm:"not null;index:idx_rl_pair" json:"model_name"`
	Trigger               Trigger     `gorm:"not null" json:"trigger"`
	Status                EventStatus `gorm:"not null;index" json:"status"`
	CandidateVersion      string      `json:"candidate_version,omitempty"`
	ChampionVersionAtTime string      `json:"champion_version_at_time,omitempty"`
	Decision              string      `json:"decision,omitempty"`
	Reason                string      `json:"reason,omitempty"`
	FailureReason         string      `json:"failure_reason,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// TableName returns the GORM table name.
func (RetrainingEvent) TableName() string { return "model_retraining_log" }

// BacktestResult is one retrospective evaluation row of a version.
type BacktestResult struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	TenantID     string    `gorm:"not null;index:idx_bt_version" json:"tenant_id"`
	ModelName    string    `gorm:"not null;index:idx_bt_version" json:"model_name"`
	ModelVersion string    `gorm:"not null;index:idx_bt_version" json:"model_version"`
	ForecastDate time.Time `gorm:"not null" json:"forecast_date"`
	Predicted    float64   `json:"predicted"`
	Actual       float64   `json:"actual"`
	AbsError     float64   `json:"abs_error"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the GORM table name.
func (BacktestResult) TableName() string { return "backtest_results" }

// ShadowPrediction is a parallel-run prediction of a version. Actual is
// nil until the outcome is observed.
type ShadowPrediction struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	TenantID     string    `gorm:"not null;index:idx_sp_version" json:"tenant_id"`
	ModelName    string    `gorm:"not null;index:idx_sp_version" json:"model_name"`
	ModelVersion string    `gorm:"not null;index:idx_sp_version" json:"model_version"`
	ForecastDate time.Time `gorm:"not null" json:"forecast_date"`
	Predicted    float64   `json:"predicted"`
	Actual       *float64  `json:"actual,omitempty"`
	AbsError     *float64  `json:"abs_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the GORM table name.
func (ShadowPrediction) TableName() string { return "shadow_predictions" }

// ModelExperiment records one arena adjudication and its evidence, so
// that any later reader can explain why a promotion did or did not happen.
type ModelExperiment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	AttemptID         string    `gorm:"index" json:"attempt_id,omitempty"`
	TenantID          string    `gorm:"not null;index:idx_me_pair" json:"tenant_id"`
	ModelName         string    `gorm:"not null;index:idx_me_pair" json:"model_name"`
	ChallengerVersion string    `gorm:"not null" json:"challenger_version"`
	ChampionVersion   string    `json:"champion_version,omitempty"`
	Outcome           string    `gorm:"not null" json:"outcome"`
	Reason            string    `gorm:"not null" json:"reason"`
	DSGate            string    `json:"ds_gate"`
	BusinessGate      string    `json:"business_gate"`
	Detail            string    `json:"detail,omitempty"`
	InputJSON         string    `gorm:"type:text" json:"input"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName returns the GORM table name.
func (ModelExperiment) TableName() string { return "model_experiments" }

// Observation describes how complete the inputs of a readiness
// evaluation were.
type Observation string

// Readiness observations.
const (
	ObservationComplete Observation = "complete"
	ObservationPartial  Observation = "partial"
	// ObservationStale means the data source answered but its newest
	// transaction is outside the recency window.
	ObservationStale Observation = "stale"
)

// ReadinessState is the persisted readiness tier of a tenant-model pair.
type ReadinessState struct {
	ID              uint        `gorm:"primaryKey" json:"-"`
	TenantID        string      `gorm:"not null;uniqueIndex:idx_rs_pair" json:"tenant_id"`
	ModelName       string      `gorm:"not null;uniqueIndex:idx_rs_pair" json:"model_name"`
	Tier            string      `gorm:"not null" json:"tier"`
	DaysOfHistory   int         `json:"days_of_history"`
	RowCount        int64       `json:"row_count"`
	HealthyCycles   int         `json:"healthy_cycles"`
	Observation     Observation `json:"observation"`
	LastEvaluatedAt time.Time   `json:"last_evaluated_at"`
	TierChangedAt   *time.Time  `json:"tier_changed_at,omitempty"`
	ResetReason     string      `json:"reset_reason,omitempty"`
}

// TableName returns the GORM table name.
func (ReadinessState) TableName() string { return "readiness_states" }

// RetrainRequest is a queued manual trigger, consumed by the attempt
// that honors it.
type RetrainRequest struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"not null;index:idx_rr_pair" json:"tenant_id"`
	ModelName   string     `gorm:"not null;index:idx_rr_pair" json:"model_name"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	AttemptID   string     `json:"attempt_id,omitempty"`
}

// TableName returns the GORM table name.
func (RetrainRequest) TableName() string { return "retrain_requests" }

// RegistryReconciliation records a file registry sync that changed files.
type RegistryReconciliation struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Pairs         int       `json:"pairs"`
	FilesWritten  int       `json:"files_written"`
	DivergedPairs string    `gorm:"type:text" json:"diverged_pairs"`
}

// TableName returns the GORM table name.
func (RegistryReconciliation) TableName() string { return "registry_reconciliations" }

// Pair identifies a tenant-model pair.
type Pair struct {
	TenantID  string `json:"tenant_id"`
	ModelName string `json:"model_name"`
}

// String renders the pair as tenant/model.
func (p Pair) String() string {
	return p.TenantID + "/" + p.ModelName
}
