package arena

import (
	"fmt"
	"math"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
)

// Outcome is the verdict of a promotion evaluation.
type Outcome string

// Promotion outcomes.
const (
	OutcomePromote Outcome = "promote"
	OutcomeHold    Outcome = "hold"
	OutcomeReject  Outcome = "reject"
)

// Verdict records how a single gate class was resolved.
type Verdict string

// Gate verdicts.
const (
	VerdictPassed       Verdict = "passed"
	VerdictFailed       Verdict = "failed"
	VerdictMissing      Verdict = "missing"
	VerdictNotEvaluated Verdict = "not_evaluated"
)

// Reasons cited on a decision. Operational surfaces show these verbatim.
const (
	ReasonInsufficientSamples        = "insufficient_samples"
	ReasonDSMetricsNotAvailable      = "ds_metrics_not_available"
	ReasonDSRegression               = "ds_gate_regression"
	ReasonDSTie                      = "ds_tie_incumbent_retained"
	ReasonMAPERegression             = "ds_gate_mape_regression"
	ReasonBusinessMetricsUnavailable = "business_metrics_not_available"
	ReasonStockoutRegression         = "business_gate_stockout_regression"
	ReasonOverstockRegression        = "business_gate_overstock_regression"
	ReasonGatesPassed                = "gates_passed"
	ReasonNoIncumbent                = "no_incumbent"
)

// Metric names accepted as the primary DS metric.
const (
	MetricMAE  = "mae"
	MetricMAPE = "mape"
)

// Metrics is the evaluation snapshot of one model version. Pointer
// fields distinguish an absent measurement from a zero one.
type Metrics struct {
	MAE              float64  `json:"mae"`
	MAPE             *float64 `json:"mape,omitempty"`
	Coverage         *float64 `json:"coverage,omitempty"`
	StockoutMissRate *float64 `json:"stockout_miss_rate,omitempty"`
	OverstockRate    *float64 `json:"overstock_rate,omitempty"`
}

// HasBusiness reports whether both business metrics are present.
func (m *Metrics) HasBusiness() bool {
	return present(m.StockoutMissRate) && present(m.OverstockRate)
}

// Input is everything the arena needs for one challenger.
// Champion is nil when the pair has no incumbent.
type Input struct {
	Candidate        Metrics  `json:"candidate"`
	Champion         *Metrics `json:"champion,omitempty"`
	CandidateSamples int      `json:"candidate_samples"`
	ChampionSamples  int      `json:"champion_samples"`
}

// Decision is the arena verdict with the evidence that produced it.
type Decision struct {
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason"`
	DSGate       Verdict `json:"ds_gate"`
	BusinessGate Verdict `json:"business_gate"`
	Detail       string  `json:"detail,omitempty"`
}

// Arena adjudicates promotion of a challenger over the current champion.
// It has no side effects; callers apply the decision to the registry.
type Arena interface {
	Decide(in Input) Decision
	Config() Config
}

// Config holds the injectable gate parameters.
type Config struct {
	MinSamples         int
	PrimaryMetric      string
	MAPETolerance      float64
	StockoutTolerance  float64
	OverstockTolerance float64
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg *config.ArenaConfig) Config {
	return Config{
		MinSamples:         cfg.MinSamples,
		PrimaryMetric:      cfg.PrimaryMetric,
		MAPETolerance:      cfg.MAPETolerance,
		StockoutTolerance:  cfg.StockoutTolerance,
		OverstockTolerance: cfg.OverstockTolerance,
	}
}

// Compile-time interface check.
var _ Arena = (*arena)(nil)

type arena struct {
	cfg Config
}

// New creates an Arena. A non-positive floor is raised to 1 so that a
// version without any evidence can never be promoted.
func New(cfg Config) Arena {
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}

	if cfg.PrimaryMetric == "" {
		cfg.PrimaryMetric = MetricMAE
	}

	return &arena{cfg: cfg}
}

func (a *arena) Config() Config {
	return a.cfg
}

// Decide applies the fail-closed gate sequence: sample sufficiency, then
// the DS gate, then the business gate. Both gates must pass to promote.
func (a *arena) Decide(in Input) Decision {
	d := Decision{
		DSGate:       VerdictNotEvaluated,
		BusinessGate: VerdictNotEvaluated,
	}

	if in.CandidateSamples < a.cfg.MinSamples ||
		(in.Champion != nil && in.ChampionSamples < a.cfg.MinSamples) {
		d.Outcome = OutcomeHold
		d.Reason = ReasonInsufficientSamples
		d.Detail = fmt.Sprintf(
			"candidate=%d champion=%d floor=%d",
			in.CandidateSamples, in.ChampionSamples, a.cfg.MinSamples,
		)

		return d
	}

	if in.Champion == nil {
		return a.decideWithoutIncumbent(in, d)
	}

	d.DSGate, d.Reason, d.Detail = a.dsGate(&in.Candidate, in.Champion)

	switch d.DSGate {
	case VerdictMissing:
		d.Outcome = OutcomeHold

		return d
	case VerdictFailed:
		d.Outcome = OutcomeReject

		return d
	}

	if !in.Candidate.HasBusiness() || !in.Champion.HasBusiness() {
		d.Outcome = OutcomeHold
		d.BusinessGate = VerdictMissing
		d.Reason = ReasonBusinessMetricsUnavailable
		d.Detail = "ds gate passed; business metrics absent"

		return d
	}

	d.BusinessGate, d.Reason, d.Detail = a.businessGate(&in.Candidate, in.Champion)
	if d.BusinessGate == VerdictFailed {
		d.Outcome = OutcomeReject

		return d
	}

	d.Outcome = OutcomePromote
	d.Reason = ReasonGatesPassed

	return d
}

// decideWithoutIncumbent bootstraps the first champion of a pair. There
// is nothing to regress against, but business evidence is still required.
func (a *arena) decideWithoutIncumbent(in Input, d Decision) Decision {
	if !validFloat(a.primary(&in.Candidate)) {
		d.Outcome = OutcomeHold
		d.DSGate = VerdictMissing
		d.Reason = ReasonDSMetricsNotAvailable

		return d
	}

	d.DSGate = VerdictPassed

	if !in.Candidate.HasBusiness() {
		d.Outcome = OutcomeHold
		d.BusinessGate = VerdictMissing
		d.Reason = ReasonBusinessMetricsUnavailable
		d.Detail = "no incumbent; business metrics absent"

		return d
	}

	d.BusinessGate = VerdictPassed
	d.Outcome = OutcomePromote
	d.Reason = ReasonNoIncumbent

	return d
}

func (a *arena) dsGate(cand, champ *Metrics) (Verdict, string, string) {
	cv, iv := a.primary(cand), a.primary(champ)
	if !validFloat(cv) || !validFloat(iv) {
		return VerdictMissing, ReasonDSMetricsNotAvailable,
			fmt.Sprintf("primary metric %s absent", a.cfg.PrimaryMetric)
	}

	detail := fmt.Sprintf("%s candidate=%.4f champion=%.4f", a.cfg.PrimaryMetric, cv, iv)

	switch {
	case cv > iv:
		return VerdictFailed, ReasonDSRegression, detail
	case cv == iv:
		return VerdictFailed, ReasonDSTie, detail
	}

	// MAPE guard applies when MAE is primary and both sides report it.
	if a.cfg.PrimaryMetric == MetricMAE && present(cand.MAPE) && present(champ.MAPE) &&
		*cand.MAPE > *champ.MAPE+a.cfg.MAPETolerance {
		return VerdictFailed, ReasonMAPERegression, fmt.Sprintf(
			"mape candidate=%.4f champion=%.4f tolerance=%.4f",
			*cand.MAPE, *champ.MAPE, a.cfg.MAPETolerance,
		)
	}

	return VerdictPassed, "", detail
}

func (a *arena) businessGate(cand, champ *Metrics) (Verdict, string, string) {
	if *cand.StockoutMissRate > *champ.StockoutMissRate+a.cfg.StockoutTolerance {
		return VerdictFailed, ReasonStockoutRegression, fmt.Sprintf(
			"stockout_miss_rate candidate=%.4f champion=%.4f tolerance=%.4f",
			*cand.StockoutMissRate, *champ.StockoutMissRate, a.cfg.StockoutTolerance,
		)
	}

	if *cand.OverstockRate > *champ.OverstockRate+a.cfg.OverstockTolerance {
		return VerdictFailed, ReasonOverstockRegression, fmt.Sprintf(
			"overstock_rate candidate=%.4f champion=%.4f tolerance=%.4f",
			*cand.OverstockRate, *champ.OverstockRate, a.cfg.OverstockTolerance,
		)
	}

	return VerdictPassed, "", ""
}

func (a *arena) primary(m *Metrics) float64 {
	if a.cfg.PrimaryMetric == MetricMAPE {
		if m.MAPE == nil {
			return math.NaN()
		}

		return *m.MAPE
	}

	return m.MAE
}

// Valid reports whether a recorded promote decision satisfies the
// necessary conditions for promotion under the given floor. It is used
// when replaying history.
func Valid(in Input, d Decision, floor int) bool {
	if d.Outcome != OutcomePromote {
		return true
	}

	if in.CandidateSamples < floor {
		return false
	}

	if in.Champion != nil && in.ChampionSamples < floor {
		return false
	}

	return d.DSGate == VerdictPassed && d.BusinessGate == VerdictPassed
}

func present(v *float64) bool {
	return v != nil && validFloat(*v)
}

func validFloat(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float returns a pointer to v, for building metric snapshots.
func Float(v float64) *float64 {
	return &v
}
