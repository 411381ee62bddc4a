package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"carfengine/internal/aggregation"
	aggmodels "carfengine/internal/aggregation/models"
	aggmemory "carfengine/internal/aggregation/store/memory"
	"carfengine/internal/audit"
	auditmemory "carfengine/internal/audit/store/memory"
	"carfengine/internal/ingest"
	"carfengine/internal/pipeline"
	"carfengine/internal/privacy"
	"carfengine/internal/risk"
	"carfengine/internal/vault"
	vaultmemory "carfengine/internal/vault/store/memory"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
)

const (
	walletA = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	walletB = "0x53d284357ec70cE289D6D64134DfAc8E511c8a3D"
)

// 2025-06-01T12:00:00Z, inside tax year 2025-2026.
var june2025 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix()

func raw(hash, asset, amount string) ingest.RawTransaction {
	return ingest.RawTransaction{
		Hash:           hash,
		Sender:         walletA,
		Recipient:      walletB,
		Asset:          asset,
		Amount:         amount,
		BlockTimestamp: june2025,
		BlockHeight:    20000000,
		Chain:          "ethereum",
	}
}

type PipelineSuite struct {
	suite.Suite
	ctx        context.Context
	vault      *vault.Vault
	log        *audit.Log
	aggregator *aggregation.Engine
	pipeline   *pipeline.Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	var err error
	s.vault, err = vault.Open(s.ctx, vaultmemory.New())
	s.Require().NoError(err)
	s.log, err = audit.Open(s.ctx, auditmemory.NewInMemoryStore())
	s.Require().NoError(err)

	rates := ingest.FixedRates{
		"USDC": decimal.NewFromInt(1),
		"ETH":  decimal.NewFromInt(2500),
	}
	normalizer := ingest.NewNormalizer(rates, ingest.WithAssets(rates.Assets()))
	guard, err := privacy.New(s.vault, s.log)
	s.Require().NoError(err)
	s.aggregator, err = aggregation.New(aggmemory.New(), s.log)
	s.Require().NoError(err)
	s.pipeline, err = pipeline.New(normalizer, guard, s.aggregator, s.log, pipeline.WithWorkers(4))
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestTwelveThousandUSDCIsHighRisk() {
	result, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{raw("0x01", "USDC", "12000")})
	s.Require().NoError(err)
	s.Require().Len(result.Scored, 1)

	scored := result.Scored[0]
	s.Equal(15, scored.Score.Value)
	s.Equal(risk.TierHigh, scored.Score.Tier)
	s.True(scored.Score.RequiresReporting)
	s.ElementsMatch(
		[]risk.Flag{risk.FlagExceedsCARFThreshold, risk.FlagQualifyingStablecoin},
		scored.Score.Flags(),
	)
	s.Equal("12000.00", scored.Tx.ValueGBP.StringFixed(2))
	s.Equal(id.TaxYear(2025), scored.Tx.TaxYear)
	s.NotContains(scored.Tx.Sender.String(), "742d35")
	s.True(scored.Bucket.AggregateBreach)
}

func (s *PipelineSuite) TestInvalidRecordsAreSkipped() {
	future := raw("0x03", "USDC", "5")
	future.BlockTimestamp = time.Now().Add(24 * time.Hour).Unix()
	missing := raw("", "USDC", "5")

	result, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{
		raw("0x01", "USDC", "100"),
		raw("0x02", "DOGE", "100"),
		future,
		missing,
		raw("0x05", "ETH", "0.5"),
	})
	s.Require().NoError(err)
	s.Equal(5, result.Total())
	s.Require().Len(result.Scored, 2)
	s.Equal(0, result.Scored[0].Index)
	s.Equal(4, result.Scored[1].Index)
	s.Equal("1250.00", result.Scored[1].Tx.ValueGBP.StringFixed(2))

	s.Require().Len(result.Invalid, 3)
	s.Equal(dErrors.CodeUnsupportedAsset, result.Invalid[0].Code)
	s.Equal(dErrors.CodeTimestampOutOfRange, result.Invalid[1].Code)
	s.Equal(dErrors.CodeValidation, result.Invalid[2].Code)
}

func (s *PipelineSuite) TestAggregatesAcrossRecords() {
	result, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{
		raw("0x01", "USDC", "4000"),
		raw("0x02", "USDC", "4000"),
		raw("0x03", "USDC", "4000"),
	})
	s.Require().NoError(err)
	s.Require().Len(result.Scored, 3)

	key := aggregation.KeyOf(result.Scored[0].Tx)
	bucket, err := s.aggregator.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(3, bucket.Count)
	s.True(bucket.AggregateBreach)
	s.False(bucket.AnyTransactionBreach)
	s.True(risk.DefaultRules().ScoreBucket(*bucket).Has(risk.FlagAggregateCARFBreach))
}

func (s *PipelineSuite) TestClosedPeriodRejectionsAreReported() {
	_, err := s.aggregator.ClosePeriod(s.ctx, 2025)
	s.Require().NoError(err)

	result, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{raw("0x01", "USDC", "10")})
	s.Require().NoError(err)
	s.Empty(result.Scored)
	s.Require().Len(result.Rejected, 1)
	s.Equal(dErrors.CodeBucketClosed, result.Rejected[0].Code)
	s.Equal("0x01", result.Rejected[0].Hash)
}

func (s *PipelineSuite) TestVaultOutageHaltsTheRun() {
	s.Require().NoError(s.vault.Close())

	result, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{raw("0x01", "USDC", "10")})
	s.Nil(result)
	s.True(dErrors.HasCode(err, dErrors.CodeVaultUnavailable))
	s.Equal(uint64(0), s.log.Len(), "nothing is audited for a failed vault operation")
}

func (s *PipelineSuite) TestAuditTrail() {
	_, err := s.pipeline.Run(s.ctx, []ingest.RawTransaction{raw("0x01", "USDC", "12000")})
	s.Require().NoError(err)

	entries, err := s.log.Entries(s.ctx)
	s.Require().NoError(err)
	kinds := make([]audit.Kind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	s.Equal([]audit.Kind{audit.KindPseudonymize, audit.KindScore, audit.KindAggregate}, kinds)
	s.Contains(entries[1].Detail, "score=15 tier=high")
}

func (s *PipelineSuite) TestCancelledRunReturnsContextError() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.pipeline.Run(ctx, []ingest.RawTransaction{raw("0x01", "USDC", "10")})
	s.ErrorIs(err, context.Canceled)
}

type stubAggregator struct {
	err error
}

func (a stubAggregator) Apply(context.Context, privacy.PseudonymizedTransaction, risk.Score) (*aggmodels.Bucket, error) {
	return nil, a.err
}

func TestPipeline_AggregatorFailureHalts(t *testing.T) {
	ctx := context.Background()
	v, err := vault.Open(ctx, vaultmemory.New())
	require.NoError(t, err)
	log, err := audit.Open(ctx, auditmemory.NewInMemoryStore())
	require.NoError(t, err)
	guard, err := privacy.New(v, log)
	require.NoError(t, err)
	normalizer := ingest.NewNormalizer(ingest.FixedRates{"USDC": decimal.NewFromInt(1)})

	p, err := pipeline.New(normalizer, guard, stubAggregator{err: dErrors.Wrap(errors.New("boom"), dErrors.CodeInternal, "failed to apply to bucket")}, log)
	require.NoError(t, err)

	raws := make([]ingest.RawTransaction, 10)
	for i := range raws {
		raws[i] = raw(fmt.Sprintf("0x%02d", i), "USDC", "1")
	}
	_, err = p.Run(ctx, raws)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestPipeline_New(t *testing.T) {
	_, err := pipeline.New(nil, nil, nil, nil)
	assert.Error(t, err)
}
