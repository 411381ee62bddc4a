package aggregation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"carfengine/internal/aggregation"
	"carfengine/internal/aggregation/models"
	"carfengine/internal/aggregation/store/memory"
	"carfengine/internal/audit"
	auditmemory "carfengine/internal/audit/store/memory"
	"carfengine/internal/platform/metrics"
	"carfengine/internal/privacy"
	"carfengine/internal/risk"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
)

var alice = id.Pseudonym("p1_" + strings.Repeat("a", 64))

func tx(sender id.Pseudonym, value string, class id.AssetClass) privacy.PseudonymizedTransaction {
	return privacy.PseudonymizedTransaction{
		Hash:       "0x" + value,
		Sender:     sender,
		Recipient:  id.Pseudonym("p1_" + strings.Repeat("f", 64)),
		ValueGBP:   decimal.RequireFromString(value),
		AssetClass: class,
		TaxYear:    id.TaxYear(2025),
		Timestamp:  time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

type EngineSuite struct {
	suite.Suite
	ctx     context.Context
	rules   risk.Rules
	log     *audit.Log
	metrics *metrics.Metrics
	engine  *aggregation.Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.rules = risk.DefaultRules()
	l, err := audit.Open(s.ctx, auditmemory.NewInMemoryStore())
	s.Require().NoError(err)
	s.log = l
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.engine, err = aggregation.New(memory.New(), s.log,
		aggregation.WithThreshold(s.rules.CARFThreshold),
		aggregation.WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
}

func (s *EngineSuite) apply(t privacy.PseudonymizedTransaction) (*models.Bucket, error) {
	return s.engine.Apply(s.ctx, t, s.rules.Score(t))
}

func (s *EngineSuite) TestNew() {
	_, err := aggregation.New(nil, s.log)
	s.Error(err)
	_, err = aggregation.New(memory.New(), nil)
	s.Error(err)
}

func (s *EngineSuite) TestThreeSubThresholdTransactionsBreachOnTheThird() {
	var last *models.Bucket
	for i := range 3 {
		b, err := s.apply(tx(alice, "4000.00", id.AssetClassStablecoin))
		s.Require().NoError(err)
		s.Equal(i == 2, b.AggregateBreach, "apply %d", i+1)
		last = b
	}
	s.True(last.Total.Equal(decimal.NewFromInt(12000)))
	s.False(last.AnyTransactionBreach)

	score := s.rules.ScoreBucket(*last)
	s.True(score.Has(risk.FlagAggregateCARFBreach))
	s.True(score.Has(risk.FlagExceedsCARFThreshold))
	s.True(score.RequiresReporting)

	s.Equal(3.0, testutil.ToFloat64(s.metrics.BucketsApplied))
	entries, err := s.log.Entries(s.ctx)
	s.Require().NoError(err)
	s.Len(entries, 3)
	for _, e := range entries {
		s.Equal(audit.KindAggregate, e.Kind)
		s.Equal([]string{alice.String() + "/2025-2026"}, e.Subjects)
	}
}

func (s *EngineSuite) TestSingleBreachIsRecorded() {
	b, err := s.apply(tx(alice, "10000.00", id.AssetClassUnbacked))
	s.Require().NoError(err)
	s.True(b.AnyTransactionBreach)
	s.True(b.AggregateBreach)
}

func (s *EngineSuite) TestClosedBucketRejectsWithoutMutation() {
	_, err := s.apply(tx(alice, "500.00", id.AssetClassUnbacked))
	s.Require().NoError(err)
	key := models.Key{Pseudonym: alice, TaxYear: 2025}
	closed, err := s.engine.CloseBucket(s.ctx, key)
	s.Require().NoError(err)
	s.True(closed.Closed)

	_, err = s.apply(tx(alice, "20000.00", id.AssetClassUnbacked))
	s.True(dErrors.HasCode(err, dErrors.CodeBucketClosed))
	s.False(dErrors.IsFatal(err))

	after, err := s.engine.Get(s.ctx, key)
	s.Require().NoError(err)
	s.True(after.Total.Equal(decimal.NewFromInt(500)))
	s.Equal(1, after.Count)
	s.False(after.AnyTransactionBreach)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.BucketsRejected))

	entries, err := s.log.Entries(s.ctx)
	s.Require().NoError(err)
	last := entries[len(entries)-1]
	s.Equal(audit.KindAggregate, last.Kind)
	s.Equal(audit.OutcomeRejected, last.Outcome)
}

func (s *EngineSuite) TestClosePeriod() {
	bob := id.Pseudonym("p1_" + strings.Repeat("b", 64))
	_, err := s.apply(tx(alice, "1.00", id.AssetClassUnbacked))
	s.Require().NoError(err)
	_, err = s.apply(tx(bob, "2.00", id.AssetClassUnbacked))
	s.Require().NoError(err)

	n, err := s.engine.ClosePeriod(s.ctx, 2025)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.BucketsClosed))

	carol := id.Pseudonym("p1_" + strings.Repeat("c", 64))
	_, err = s.apply(tx(carol, "3.00", id.AssetClassUnbacked))
	s.True(dErrors.HasCode(err, dErrors.CodeBucketClosed))

	buckets, err := s.engine.ListByTaxYear(s.ctx, 2025)
	s.Require().NoError(err)
	s.Require().Len(buckets, 2)
	s.Equal(alice, buckets[0].Key.Pseudonym)
	s.True(buckets[0].Closed)

	_, err = s.engine.ClosePeriod(s.ctx, 0)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *EngineSuite) TestUnknownBucket() {
	key := models.Key{Pseudonym: alice, TaxYear: 2030}
	_, err := s.engine.Get(s.ctx, key)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.engine.CloseBucket(s.ctx, key)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *EngineSuite) TestApplyValidatesKey() {
	_, err := s.apply(tx("", "1.00", id.AssetClassUnbacked))
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	noYear := tx(alice, "1.00", id.AssetClassUnbacked)
	noYear.TaxYear = 0
	_, err = s.apply(noYear)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *EngineSuite) TestDistinctKeysApplyConcurrently() {
	const senders, perSender = 10, 20
	var wg sync.WaitGroup
	for i := range senders {
		p := id.Pseudonym("p1_" + strings.Repeat(string(rune('0'+i)), 64))
		for range perSender {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.apply(tx(p, "100.00", id.AssetClassUnbacked))
				s.NoError(err)
			}()
		}
	}
	wg.Wait()

	buckets, err := s.engine.ListByTaxYear(s.ctx, 2025)
	s.Require().NoError(err)
	s.Len(buckets, senders)
	for _, b := range buckets {
		s.Equal(perSender, b.Count)
		s.True(b.Total.Equal(decimal.NewFromInt(2000)))
	}
	s.Equal(uint64(senders*perSender), s.log.Len())
}

type brokenStore struct {
	*memory.InMemoryBucketStore
}

func (brokenStore) Apply(context.Context, models.Key, models.Contribution, decimal.Decimal) (*models.Bucket, error) {
	return nil, errors.New("connection reset")
}

func TestEngine_StoreFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	log, err := audit.Open(ctx, auditmemory.NewInMemoryStore())
	require.NoError(t, err)
	engine, err := aggregation.New(brokenStore{memory.New()}, log)
	require.NoError(t, err)

	t1 := tx(alice, "1.00", id.AssetClassUnbacked)
	_, err = engine.Apply(ctx, t1, risk.DefaultRules().Score(t1))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	assert.Equal(t, uint64(0), log.Len())
}
