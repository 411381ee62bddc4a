package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aggmodels "carfengine/internal/aggregation/models"
	"carfengine/internal/privacy"
	id "carfengine/pkg/domain"
)

func gbp(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEvaluate_Boundaries(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name      string
		value     string
		class     id.AssetClass
		score     int
		tier      Tier
		reporting bool
		flags     []Flag
	}{
		{"just below threshold unbacked", "9999.99", id.AssetClassUnbacked, 0, TierLow, false,
			[]Flag{FlagUnbackedAsset}},
		{"just below threshold stablecoin", "9999.99", id.AssetClassStablecoin, 5, TierMedium, false,
			[]Flag{FlagQualifyingStablecoin}},
		{"at threshold unbacked", "10000.00", id.AssetClassUnbacked, 10, TierMedium, true,
			[]Flag{FlagExceedsCARFThreshold, FlagUnbackedAsset}},
		{"twelve thousand stablecoin", "12000", id.AssetClassStablecoin, 15, TierHigh, true,
			[]Flag{FlagExceedsCARFThreshold, FlagQualifyingStablecoin}},
		{"at EDD threshold stablecoin", "50000.00", id.AssetClassStablecoin, 20, TierHigh, true,
			[]Flag{FlagExceedsCARFThreshold, FlagEnhancedDueDiligence, FlagQualifyingStablecoin}},
		{"at EDD threshold unbacked", "50000.00", id.AssetClassUnbacked, 15, TierHigh, true,
			[]Flag{FlagExceedsCARFThreshold, FlagEnhancedDueDiligence, FlagUnbackedAsset}},
		{"zero value", "0", id.AssetClassUnbacked, 0, TierLow, false,
			[]Flag{FlagUnbackedAsset}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := rules.Evaluate(gbp(tc.value), tc.class)
			assert.Equal(t, tc.score, s.Value)
			assert.Equal(t, tc.tier, s.Tier)
			assert.Equal(t, tc.reporting, s.RequiresReporting)
			assert.Equal(t, tc.flags, s.Flags())
		})
	}
}

func TestTierOf_GapResolvesToMedium(t *testing.T) {
	for score := range 30 {
		tier := TierOf(score)
		switch {
		case score < 5:
			assert.Equal(t, TierLow, tier, score)
		case score < 15:
			assert.Equal(t, TierMedium, tier, score)
		default:
			assert.Equal(t, TierHigh, tier, score)
		}
	}
}

func TestEvaluate_Pure(t *testing.T) {
	rules := DefaultRules()
	a := rules.Evaluate(gbp("31415.92"), id.AssetClassStablecoin)
	b := rules.Evaluate(gbp("31415.92"), id.AssetClassStablecoin)
	assert.Equal(t, a, b)
}

func TestEvaluate_ExactlyOneClassFlag(t *testing.T) {
	rules := DefaultRules()
	for _, class := range []id.AssetClass{id.AssetClassStablecoin, id.AssetClassUnbacked} {
		s := rules.Evaluate(gbp("100"), class)
		assert.NotEqual(t, s.Has(FlagQualifyingStablecoin), s.Has(FlagUnbackedAsset))
	}
}

func TestScore_FlagsAreImmutable(t *testing.T) {
	s := DefaultRules().Evaluate(gbp("12000"), id.AssetClassStablecoin)
	flags := s.Flags()
	flags[0] = "TAMPERED"
	assert.True(t, s.Has(FlagExceedsCARFThreshold))
	assert.Equal(t, []string{"EXCEEDS_CARF_THRESHOLD", "QUALIFYING_STABLECOIN"}, s.FlagStrings())
}

func TestFlagsIndependentOfWeights(t *testing.T) {
	rules := Rules{
		CARFThreshold: gbp("10000"),
		EDDThreshold:  gbp("50000"),
	}
	s := rules.Evaluate(gbp("60000"), id.AssetClassStablecoin)
	assert.Equal(t, 0, s.Value)
	assert.Equal(t, TierLow, s.Tier)
	assert.True(t, s.Has(FlagExceedsCARFThreshold))
	assert.True(t, s.Has(FlagEnhancedDueDiligence))
	assert.True(t, s.RequiresReporting)
}

func TestScore_UsesOnlyValueAndClass(t *testing.T) {
	rules := DefaultRules()
	tx := privacy.PseudonymizedTransaction{
		Hash:         "0x1",
		ValueGBP:     gbp("12000"),
		AssetClass:   id.AssetClassStablecoin,
		ContractCall: true,
	}
	other := tx
	other.Hash = "0x2"
	other.ContractCall = false
	assert.Equal(t, rules.Score(tx), rules.Score(other))
	assert.Equal(t, 15, rules.Score(tx).Value)
}

func TestScoreBucket(t *testing.T) {
	rules := DefaultRules()
	threshold := rules.CARFThreshold

	b := aggmodels.NewBucket(aggmodels.Key{TaxYear: 2025})
	for range 2 {
		b.Fold(aggmodels.Contribution{ValueGBP: gbp("4000"), AssetClass: id.AssetClassUnbacked}, threshold)
	}
	s := rules.ScoreBucket(*b)
	assert.False(t, s.Has(FlagAggregateCARFBreach))
	assert.False(t, s.RequiresReporting)

	b.Fold(aggmodels.Contribution{ValueGBP: gbp("4000"), AssetClass: id.AssetClassStablecoin}, threshold)
	s = rules.ScoreBucket(*b)
	require.True(t, s.Has(FlagAggregateCARFBreach))
	assert.True(t, s.RequiresReporting)
	assert.True(t, s.Has(FlagQualifyingStablecoin))
	assert.True(t, s.Has(FlagUnbackedAsset))
	assert.Equal(t, 15, s.Value)
	assert.Equal(t, TierHigh, s.Tier)
}
