package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
	"carfengine/pkg/runcontext"
)

var fixedNow = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

type NormalizerSuite struct {
	suite.Suite
	ctx        context.Context
	normalizer *Normalizer
}

func TestNormalizerSuite(t *testing.T) {
	suite.Run(t, new(NormalizerSuite))
}

func (s *NormalizerSuite) SetupTest() {
	s.ctx = runcontext.WithTime(context.Background(), fixedNow)
	rates := FixedRates{
		"USDC": decimal.NewFromInt(1),
		"ETH":  decimal.RequireFromString("2500.50"),
		"BTC":  decimal.NewFromInt(50000),
	}
	s.normalizer = NewNormalizer(rates, WithAssets(rates.Assets()))
}

func validRaw() RawTransaction {
	return RawTransaction{
		Hash:           "0xabc",
		Sender:         "0x52908400098527886E0F7030069857D2E4169EE7",
		Recipient:      "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		Asset:          "usdc",
		Amount:         "12000",
		BlockTimestamp: time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC).Unix(),
		BlockHeight:    20000000,
		Chain:          "eth",
	}
}

func (s *NormalizerSuite) TestNormalizeStablecoin() {
	tx, err := s.normalizer.Normalize(s.ctx, validRaw())
	s.Require().NoError(err)

	s.Equal("12000.00", tx.ValueGBP.StringFixed(2))
	s.Equal(id.AssetClassStablecoin, tx.AssetClass)
	s.Equal(id.TaxYear(2025), tx.TaxYear)
	s.Equal(ChainEthereum, tx.Chain)
	s.Equal("USDC", tx.Asset)
	s.Equal(time.UTC, tx.Timestamp.Location())
	s.Equal("Europe/London", tx.LocalTime.Location().String())
	s.Equal(11, tx.LocalTime.Hour(), "BST is UTC+1 in June")
	s.False(tx.ContractCall)
}

func (s *NormalizerSuite) TestNormalizeUnbackedUsesRateSource() {
	raw := validRaw()
	raw.Asset = "ETH"
	raw.Amount = "2"
	tx, err := s.normalizer.Normalize(s.ctx, raw)
	s.Require().NoError(err)
	s.Equal(id.AssetClassUnbacked, tx.AssetClass)
	s.True(tx.ValueGBP.Equal(decimal.RequireFromString("5001.00")))
}

func (s *NormalizerSuite) TestSuppliedRateWins() {
	raw := validRaw()
	raw.Asset = "ETH"
	raw.Amount = "1"
	raw.GBPRate = "1800"
	tx, err := s.normalizer.Normalize(s.ctx, raw)
	s.Require().NoError(err)
	s.Equal("1800.00", tx.ValueGBP.StringFixed(2))
}

func (s *NormalizerSuite) TestRoundsHalfEvenToPence() {
	for amount, want := range map[string]string{
		"0.125":    "0.12",
		"0.135":    "0.14",
		"9999.994": "9999.99",
		"9999.995": "10000.00",
	} {
		raw := validRaw()
		raw.Amount = amount
		tx, err := s.normalizer.Normalize(s.ctx, raw)
		s.Require().NoError(err)
		s.Equal(want, tx.ValueGBP.StringFixed(2), amount)
	}
}

func (s *NormalizerSuite) TestTaxYearJudgedOnLondonDate() {
	cases := []struct {
		at   time.Time
		want id.TaxYear
	}{
		{time.Date(2025, time.April, 5, 22, 59, 59, 0, time.UTC), 2024},
		{time.Date(2025, time.April, 5, 23, 0, 0, 0, time.UTC), 2025},
		{time.Date(2025, time.April, 6, 12, 0, 0, 0, time.UTC), 2025},
		{time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), 2025},
	}
	for _, tc := range cases {
		raw := validRaw()
		raw.BlockTimestamp = tc.at.Unix()
		tx, err := s.normalizer.Normalize(s.ctx, raw)
		s.Require().NoError(err)
		s.Equal(tc.want, tx.TaxYear, tc.at.String())
	}
}

func (s *NormalizerSuite) TestContractCallFlag() {
	raw := validRaw()
	raw.Input = "0xa9059cbb"
	tx, err := s.normalizer.Normalize(s.ctx, raw)
	s.Require().NoError(err)
	s.True(tx.ContractCall)

	raw.Input = "0x"
	tx, err = s.normalizer.Normalize(s.ctx, raw)
	s.Require().NoError(err)
	s.False(tx.ContractCall)
}

func (s *NormalizerSuite) TestRejections() {
	tests := []struct {
		name   string
		mutate func(*RawTransaction)
		code   dErrors.Code
	}{
		{"missing sender", func(r *RawTransaction) { r.Sender = " " }, dErrors.CodeValidation},
		{"missing hash", func(r *RawTransaction) { r.Hash = "" }, dErrors.CodeValidation},
		{"missing timestamp", func(r *RawTransaction) { r.BlockTimestamp = 0 }, dErrors.CodeValidation},
		{"unknown chain", func(r *RawTransaction) { r.Chain = "dogechain" }, dErrors.CodeValidation},
		{"unsupported asset", func(r *RawTransaction) { r.Asset = "SHIB" }, dErrors.CodeUnsupportedAsset},
		{"garbled amount", func(r *RawTransaction) { r.Amount = "12,000" }, dErrors.CodeValidation},
		{"negative amount", func(r *RawTransaction) { r.Amount = "-1" }, dErrors.CodeValidation},
		{"bad supplied rate", func(r *RawTransaction) { r.GBPRate = "abc" }, dErrors.CodeValidation},
		{
			"before genesis",
			func(r *RawTransaction) { r.BlockTimestamp = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).Unix() },
			dErrors.CodeTimestampOutOfRange,
		},
		{
			"beyond skew tolerance",
			func(r *RawTransaction) { r.BlockTimestamp = fixedNow.Add(6 * time.Minute).Unix() },
			dErrors.CodeTimestampOutOfRange,
		},
	}
	for _, tc := range tests {
		s.Run(tc.name, func() {
			raw := validRaw()
			tc.mutate(&raw)
			_, err := s.normalizer.Normalize(s.ctx, raw)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, tc.code), "got %v", err)
			s.True(dErrors.IsValidation(err))
		})
	}
}

func (s *NormalizerSuite) TestWithinSkewTolerance() {
	raw := validRaw()
	raw.BlockTimestamp = fixedNow.Add(4 * time.Minute).Unix()
	_, err := s.normalizer.Normalize(s.ctx, raw)
	s.NoError(err)
}

func (s *NormalizerSuite) TestStablecoinWithoutRate() {
	raw := validRaw()
	raw.Asset = "DAI"
	_, err := s.normalizer.Normalize(s.ctx, raw)
	s.True(dErrors.HasCode(err, dErrors.CodeUnsupportedAsset))
}

func (s *NormalizerSuite) TestNormalizeAllKeepsOrderAndSkipsBadRecords() {
	raws := make([]RawTransaction, 0, 50)
	for i := range 50 {
		raw := validRaw()
		raw.Hash = fmt.Sprintf("0x%02d", i)
		if i%10 == 3 {
			raw.Asset = "SHIB"
		}
		raws = append(raws, raw)
	}

	results, err := s.normalizer.NormalizeAll(s.ctx, raws, 4)
	s.Require().NoError(err)
	s.Require().Len(results, 50)
	failed := 0
	for i, r := range results {
		s.Equal(i, r.Index)
		if r.Err != nil {
			failed++
			s.True(dErrors.HasCode(r.Err, dErrors.CodeUnsupportedAsset))
			continue
		}
		s.Equal(fmt.Sprintf("0x%02d", i), r.Tx.Hash)
	}
	s.Equal(5, failed)
}

func TestNormalizeAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := NewNormalizer(FixedRates{"USDC": decimal.NewFromInt(1)})
	_, err := n.NormalizeAll(ctx, []RawTransaction{validRaw()}, 2)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithGenesisOverride(t *testing.T) {
	ctx := runcontext.WithTime(context.Background(), fixedNow)
	n := NewNormalizer(FixedRates{"USDC": decimal.NewFromInt(1)},
		WithGenesis(map[string]time.Time{"ETH": time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}),
	)
	raw := validRaw()
	raw.BlockTimestamp = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Unix()
	_, err := n.Normalize(ctx, raw)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimestampOutOfRange))
}
