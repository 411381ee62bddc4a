// Package storetest holds the behaviour every aggregation bucket store must
// share. Store packages run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carfengine/internal/aggregation"
	"carfengine/internal/aggregation/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
)

var threshold = decimal.NewFromInt(10000)

// Pseudonym returns a well-formed token whose digest repeats c.
func Pseudonym(c string) id.Pseudonym {
	return id.Pseudonym("p1_" + strings.Repeat(c, 64))
}

func contribution(value string, class id.AssetClass, day int) models.Contribution {
	v := decimal.RequireFromString(value)
	return models.Contribution{
		ValueGBP:        v,
		AssetClass:      class,
		Timestamp:       time.Date(2025, 5, day, 10, 0, 0, 0, time.UTC),
		ThresholdBreach: v.GreaterThanOrEqual(threshold),
	}
}

// Run exercises store against the shared contract. newStore must return an
// empty store each time it is called.
func Run(t *testing.T, newStore func(t *testing.T) aggregation.Store) {
	ctx := context.Background()
	year := id.TaxYear(2025)

	t.Run("folds contributions", func(t *testing.T) {
		s := newStore(t)
		key := models.Key{Pseudonym: Pseudonym("a"), TaxYear: year}

		for i, v := range []string{"4000.00", "4000.00"} {
			b, err := s.Apply(ctx, key, contribution(v, id.AssetClassStablecoin, i+1), threshold)
			require.NoError(t, err)
			assert.False(t, b.AggregateBreach)
		}
		b, err := s.Apply(ctx, key, contribution("4000.00", id.AssetClassUnbacked, 3), threshold)
		require.NoError(t, err)

		assert.True(t, b.Total.Equal(decimal.NewFromInt(12000)), b.Total.String())
		assert.Equal(t, 3, b.Count)
		assert.True(t, b.AggregateBreach)
		assert.False(t, b.AnyTransactionBreach)
		assert.Equal(t, []id.AssetClass{id.AssetClassStablecoin, id.AssetClassUnbacked}, b.Classes)
		assert.True(t, b.HighWaterMark.Equal(decimal.NewFromInt(4000)))
		assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), b.FirstActivity)
		assert.Equal(t, time.Date(2025, 5, 3, 10, 0, 0, 0, time.UTC), b.LastActivity)
	})

	t.Run("apply order does not change the result", func(t *testing.T) {
		values := []string{"9999.99", "0.01", "12000.00", "350.50"}
		var results []*models.Bucket
		for _, order := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}} {
			s := newStore(t)
			key := models.Key{Pseudonym: Pseudonym("b"), TaxYear: year}
			var last *models.Bucket
			for _, i := range order {
				b, err := s.Apply(ctx, key, contribution(values[i], id.AssetClassUnbacked, i+1), threshold)
				require.NoError(t, err)
				last = b
			}
			results = append(results, last)
		}
		for _, b := range results[1:] {
			assert.True(t, results[0].Total.Equal(b.Total))
			assert.Equal(t, results[0].Count, b.Count)
			assert.True(t, results[0].HighWaterMark.Equal(b.HighWaterMark))
			assert.Equal(t, results[0].AnyTransactionBreach, b.AnyTransactionBreach)
			assert.Equal(t, results[0].AggregateBreach, b.AggregateBreach)
			assert.Equal(t, results[0].FirstActivity, b.FirstActivity)
			assert.Equal(t, results[0].LastActivity, b.LastActivity)
		}
		assert.True(t, results[0].AnyTransactionBreach)
	})

	t.Run("closed bucket rejects apply without mutation", func(t *testing.T) {
		s := newStore(t)
		key := models.Key{Pseudonym: Pseudonym("c"), TaxYear: year}
		_, err := s.Apply(ctx, key, contribution("100.00", id.AssetClassUnbacked, 1), threshold)
		require.NoError(t, err)

		at := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
		closed, err := s.Close(ctx, key, at)
		require.NoError(t, err)
		assert.True(t, closed.Closed)
		require.NotNil(t, closed.ClosedAt)
		assert.True(t, at.Equal(*closed.ClosedAt))

		_, err = s.Apply(ctx, key, contribution("50.00", id.AssetClassUnbacked, 2), threshold)
		assert.ErrorIs(t, err, sentinel.ErrClosed)

		after, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, after.Total.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 1, after.Count)

		again, err := s.Close(ctx, key, at.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, at.Equal(*again.ClosedAt), "closing twice keeps the first close time")
	})

	t.Run("close unknown bucket", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Close(ctx, models.Key{Pseudonym: Pseudonym("d"), TaxYear: year}, time.Now())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.Get(ctx, models.Key{Pseudonym: Pseudonym("d"), TaxYear: year})
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("close period freezes existing and refuses new buckets", func(t *testing.T) {
		s := newStore(t)
		inYear := models.Key{Pseudonym: Pseudonym("e"), TaxYear: year}
		nextYear := models.Key{Pseudonym: Pseudonym("e"), TaxYear: year + 1}
		_, err := s.Apply(ctx, inYear, contribution("10.00", id.AssetClassUnbacked, 1), threshold)
		require.NoError(t, err)
		_, err = s.Apply(ctx, nextYear, contribution("10.00", id.AssetClassUnbacked, 1), threshold)
		require.NoError(t, err)

		n, err := s.ClosePeriod(ctx, year, time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Apply(ctx, inYear, contribution("1.00", id.AssetClassUnbacked, 2), threshold)
		assert.ErrorIs(t, err, sentinel.ErrClosed)
		_, err = s.Apply(ctx, models.Key{Pseudonym: Pseudonym("f"), TaxYear: year}, contribution("1.00", id.AssetClassUnbacked, 2), threshold)
		assert.ErrorIs(t, err, sentinel.ErrClosed)
		_, err = s.Apply(ctx, nextYear, contribution("1.00", id.AssetClassUnbacked, 2), threshold)
		assert.NoError(t, err, "other tax years stay open")

		n, err = s.ClosePeriod(ctx, year, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("list by tax year is ordered by pseudonym", func(t *testing.T) {
		s := newStore(t)
		for _, c := range []string{"c", "a", "b"} {
			_, err := s.Apply(ctx, models.Key{Pseudonym: Pseudonym(c), TaxYear: year}, contribution("1.00", id.AssetClassUnbacked, 1), threshold)
			require.NoError(t, err)
		}
		_, err := s.Apply(ctx, models.Key{Pseudonym: Pseudonym("d"), TaxYear: year + 1}, contribution("1.00", id.AssetClassUnbacked, 1), threshold)
		require.NoError(t, err)

		buckets, err := s.ListByTaxYear(ctx, year)
		require.NoError(t, err)
		require.Len(t, buckets, 3)
		for i, c := range []string{"a", "b", "c"} {
			assert.Equal(t, Pseudonym(c), buckets[i].Key.Pseudonym)
		}
		empty, err := s.ListByTaxYear(ctx, year+5)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("concurrent applies to one key are not lost", func(t *testing.T) {
		s := newStore(t)
		key := models.Key{Pseudonym: Pseudonym("9"), TaxYear: year}
		const workers, perWorker = 8, 25
		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWorker {
					_, err := s.Apply(ctx, key, contribution("1.00", id.AssetClassUnbacked, w+1), threshold)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		b, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, workers*perWorker, b.Count)
		assert.True(t, b.Total.Equal(decimal.NewFromInt(workers*perWorker)), fmt.Sprintf("total %s", b.Total))
	})
}
