// Package risk scores transactions and aggregation buckets against the CARF
// rule set. Every function here is pure: the same value and asset class always
// produce the same score, with no I/O and no clock.
package risk

import (
	"slices"

	"github.com/shopspring/decimal"

	aggmodels "carfengine/internal/aggregation/models"
	"carfengine/internal/privacy"
	id "carfengine/pkg/domain"
)

// Flag is a categorical signal attached to a score. Flags are independent of
// the configured weights.
type Flag string

const (
	FlagExceedsCARFThreshold Flag = "EXCEEDS_CARF_THRESHOLD"
	FlagEnhancedDueDiligence Flag = "ENHANCED_DUE_DILIGENCE"
	FlagQualifyingStablecoin Flag = "QUALIFYING_STABLECOIN"
	FlagUnbackedAsset        Flag = "UNBACKED_ASSET"
	FlagAggregateCARFBreach  Flag = "AGGREGATE_CARF_BREACH"
)

// Tier buckets the numeric score.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

const (
	mediumTierFrom = 5
	highTierFrom   = 15
)

// TierOf maps a score to its tier. Scores between the published bands
// (11-14 with default weights) fall to the nearest lower tier, medium.
func TierOf(score int) Tier {
	switch {
	case score >= highTierFrom:
		return TierHigh
	case score >= mediumTierFrom:
		return TierMedium
	default:
		return TierLow
	}
}

// Rules is the configurable CARF rule set.
type Rules struct {
	CARFThreshold    decimal.Decimal
	EDDThreshold     decimal.Decimal
	ThresholdWeight  int
	StablecoinWeight int
	HighValueWeight  int
}

// DefaultRules returns the published HMRC CARF weights and thresholds.
func DefaultRules() Rules {
	return Rules{
		CARFThreshold:    decimal.NewFromInt(10000),
		EDDThreshold:     decimal.NewFromInt(50000),
		ThresholdWeight:  10,
		StablecoinWeight: 5,
		HighValueWeight:  5,
	}
}

// Score is an immutable scoring result.
type Score struct {
	Value             int
	Tier              Tier
	RequiresReporting bool
	flags             []Flag
}

// Flags returns a copy of the flag set in rule order.
func (s Score) Flags() []Flag {
	return slices.Clone(s.flags)
}

// Has reports whether f is in the flag set.
func (s Score) Has(f Flag) bool {
	return slices.Contains(s.flags, f)
}

// FlagStrings renders the flag set for reports.
func (s Score) FlagStrings() []string {
	out := make([]string, len(s.flags))
	for i, f := range s.flags {
		out[i] = string(f)
	}
	return out
}

// Evaluate scores a GBP value of a single asset class.
func (r Rules) Evaluate(value decimal.Decimal, class id.AssetClass) Score {
	return r.evaluate(value, class.IsStablecoin(), !class.IsStablecoin())
}

// Score scores one pseudonymized transaction.
func (r Rules) Score(tx privacy.PseudonymizedTransaction) Score {
	return r.Evaluate(tx.ValueGBP, tx.AssetClass)
}

// ScoreBucket applies the rules to a bucket's running total. A bucket holding
// both classes carries both class flags and the stablecoin weight; the rule
// that a score carries exactly one class flag holds for Score and Evaluate
// only, never for bucket scores.
func (r Rules) ScoreBucket(b aggmodels.Bucket) Score {
	s := r.evaluate(b.Total,
		b.HasClass(id.AssetClassStablecoin),
		b.HasClass(id.AssetClassUnbacked),
	)
	if b.AggregateBreach || b.Total.GreaterThanOrEqual(r.CARFThreshold) {
		s.flags = append(s.flags, FlagAggregateCARFBreach)
		s.RequiresReporting = true
	}
	return s
}

func (r Rules) evaluate(value decimal.Decimal, stablecoin, unbacked bool) Score {
	var (
		score int
		flags []Flag
	)
	breach := value.GreaterThanOrEqual(r.CARFThreshold)
	if breach {
		score += r.ThresholdWeight
		flags = append(flags, FlagExceedsCARFThreshold)
	}
	if value.GreaterThanOrEqual(r.EDDThreshold) {
		score += r.HighValueWeight
		flags = append(flags, FlagEnhancedDueDiligence)
	}
	if stablecoin {
		score += r.StablecoinWeight
		flags = append(flags, FlagQualifyingStablecoin)
	}
	if unbacked {
		flags = append(flags, FlagUnbackedAsset)
	}
	return Score{
		Value:             score,
		Tier:              TierOf(score),
		RequiresReporting: breach,
		flags:             flags,
	}
}
