package readiness

// Tier is a tenant's eligibility stage for increasingly data-hungry
// model configurations. Tiers are totally ordered.
type Tier string

// Readiness tiers, lowest first.
const (
	TierColdStart Tier = "cold_start"
	TierWarming   Tier = "warming"
	TierCandidate Tier = "production_tier_candidate"
	TierActive    Tier = "production_tier_active"

	tierUnknown Tier = ""
)

// Feature sets handed to the training collaborator.
const (
	FeatureTierColdStart  = "cold_start"
	FeatureTierProduction = "production"
)

// Rank returns the position of the tier; unknown tiers rank below
// cold_start.
func (t Tier) Rank() int {
	switch t {
	case TierColdStart:
		return 1
	case TierWarming:
		return 2
	case TierCandidate:
		return 3
	case TierActive:
		return 4
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// FeatureTier is the feature set a model trained at this tier uses.
func (t Tier) FeatureTier() string {
	if t.Rank() >= TierCandidate.Rank() {
		return FeatureTierProduction
	}

	return FeatureTierColdStart
}

// Retrainable reports whether the dispatcher may attempt training at all.
func (t Tier) Retrainable() bool {
	return t.Rank() > TierColdStart.Rank()
}

func maxTier(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}

	return a
}
