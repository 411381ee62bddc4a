// Package aggregation keeps per-entity, per-tax-year running totals.
//
// A bucket is keyed by the sender pseudonym and the UK tax year of the
// transaction. Updates to one bucket are serialized by the store; buckets
// with different keys are updated in parallel.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"carfengine/internal/aggregation/models"
	"carfengine/internal/audit"
	"carfengine/internal/platform/metrics"
	"carfengine/internal/privacy"
	"carfengine/internal/risk"
	id "carfengine/pkg/domain"
	dErrors "carfengine/pkg/domain-errors"
	"carfengine/pkg/platform/sentinel"
	"carfengine/pkg/runcontext"
)

// Store persists buckets. Apply must fold the contribution atomically with
// respect to other calls on the same key and return sentinel.ErrClosed when
// the bucket or its tax year is closed. Close returns sentinel.ErrNotFound
// for a key that has never been applied to.
type Store interface {
	Apply(ctx context.Context, key models.Key, c models.Contribution, threshold decimal.Decimal) (*models.Bucket, error)
	Close(ctx context.Context, key models.Key, at time.Time) (*models.Bucket, error)
	ClosePeriod(ctx context.Context, year id.TaxYear, at time.Time) (int, error)
	Get(ctx context.Context, key models.Key) (*models.Bucket, error)
	ListByTaxYear(ctx context.Context, year id.TaxYear) ([]*models.Bucket, error)
}

// Auditor appends to the audit log.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Engine applies scored transactions to buckets.
type Engine struct {
	store     Store
	auditor   Auditor
	threshold decimal.Decimal
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithThreshold sets the GBP total at which a bucket is flagged as an
// aggregate CARF breach. Defaults to the CARF transaction threshold.
func WithThreshold(threshold decimal.Decimal) Option {
	return func(e *Engine) {
		e.threshold = threshold
	}
}

// New constructs an Engine.
func New(store Store, auditor Auditor, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("bucket store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	e := &Engine{
		store:     store,
		auditor:   auditor,
		threshold: risk.DefaultRules().CARFThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// KeyOf returns the bucket a transaction belongs to.
func KeyOf(tx privacy.PseudonymizedTransaction) models.Key {
	return models.Key{Pseudonym: tx.Sender, TaxYear: tx.TaxYear}
}

// Apply folds a scored transaction into its bucket and returns the updated
// snapshot. A closed bucket or tax year yields CodeBucketClosed and the
// bucket is left untouched.
func (e *Engine) Apply(ctx context.Context, tx privacy.PseudonymizedTransaction, score risk.Score) (*models.Bucket, error) {
	if tx.Sender.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sender pseudonym is required")
	}
	if tx.TaxYear.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tax year is required")
	}
	key := KeyOf(tx)
	contribution := models.Contribution{
		ValueGBP:        tx.ValueGBP,
		AssetClass:      tx.AssetClass,
		Timestamp:       tx.Timestamp,
		ThresholdBreach: score.Has(risk.FlagExceedsCARFThreshold),
	}

	bucket, err := e.store.Apply(ctx, key, contribution, e.threshold)
	if err != nil {
		if errors.Is(err, sentinel.ErrClosed) {
			e.metrics.IncBucketsRejected()
			if _, auditErr := e.auditor.Record(ctx, audit.Entry{
				Kind:     audit.KindAggregate,
				Subjects: []string{key.String()},
				Outcome:  audit.OutcomeRejected,
				Detail:   "bucket closed",
			}); auditErr != nil {
				return nil, auditErr
			}
			return nil, dErrors.Newf(dErrors.CodeBucketClosed, "bucket %s is closed", key)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to apply to bucket")
	}
	e.metrics.IncBucketsApplied()

	if _, err := e.auditor.Record(ctx, audit.Entry{
		Kind:     audit.KindAggregate,
		Subjects: []string{key.String()},
		Detail:   fmt.Sprintf("count=%d", bucket.Count),
	}); err != nil {
		return nil, err
	}
	if bucket.AggregateBreach && bucket.Total.Sub(contribution.ValueGBP).LessThan(e.threshold) {
		e.logAudit(ctx, "aggregate_carf_breach",
			"bucket", key.String(),
			"total_gbp", bucket.Total.StringFixed(2),
			"count", bucket.Count,
		)
	}
	return bucket, nil
}

// CloseBucket freezes one bucket. Closing an already closed bucket is a
// no-op that returns the frozen snapshot.
func (e *Engine) CloseBucket(ctx context.Context, key models.Key) (*models.Bucket, error) {
	bucket, err := e.store.Close(ctx, key, e.now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "bucket %s not found", key)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to close bucket")
	}
	e.metrics.AddBucketsClosed(1)
	if _, err := e.auditor.Record(ctx, audit.Entry{
		Kind:     audit.KindClose,
		Subjects: []string{key.String()},
	}); err != nil {
		return nil, err
	}
	e.logAudit(ctx, "bucket_closed", "bucket", key.String())
	return bucket, nil
}

// ClosePeriod freezes every bucket of a tax year and refuses buckets that
// do not exist yet. It returns how many open buckets were closed.
func (e *Engine) ClosePeriod(ctx context.Context, year id.TaxYear) (int, error) {
	if year.IsNil() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "tax year is required")
	}
	n, err := e.store.ClosePeriod(ctx, year, e.now(ctx))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to close period")
	}
	e.metrics.AddBucketsClosed(n)
	if _, err := e.auditor.Record(ctx, audit.Entry{
		Kind:     audit.KindClose,
		Subjects: []string{year.String()},
		Detail:   fmt.Sprintf("buckets=%d", n),
	}); err != nil {
		return 0, err
	}
	e.logAudit(ctx, "period_closed", "tax_year", year.String(), "buckets", n)
	return n, nil
}

// Get returns a snapshot of one bucket.
func (e *Engine) Get(ctx context.Context, key models.Key) (*models.Bucket, error) {
	bucket, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "bucket %s not found", key)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load bucket")
	}
	return bucket, nil
}

// ListByTaxYear returns snapshots of every bucket in a tax year ordered by
// pseudonym.
func (e *Engine) ListByTaxYear(ctx context.Context, year id.TaxYear) ([]*models.Bucket, error) {
	buckets, err := e.store.ListByTaxYear(ctx, year)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list buckets")
	}
	return buckets, nil
}

// Threshold is the aggregate breach threshold in GBP.
func (e *Engine) Threshold() decimal.Decimal {
	return e.threshold
}

func (e *Engine) now(ctx context.Context) time.Time {
	return runcontext.Now(ctx).UTC().Truncate(time.Microsecond)
}

func (e *Engine) logAudit(ctx context.Context, event string, attributes ...any) {
	if e.logger == nil {
		return
	}
	args := append(attributes, "event", event, "log_type", "audit")
	e.logger.InfoContext(ctx, event, args...)
}
