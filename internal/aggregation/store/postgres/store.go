package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"carfengine/internal/aggregation/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
	txcontext "carfengine/pkg/platform/tx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS aggregation_buckets (
		pseudonym        TEXT NOT NULL,
		tax_year         INTEGER NOT NULL,
		total            NUMERIC(20, 2) NOT NULL,
		tx_count         BIGINT NOT NULL,
		classes          TEXT[] NOT NULL,
		high_water_mark  NUMERIC(20, 2) NOT NULL,
		any_tx_breach    BOOLEAN NOT NULL,
		aggregate_breach BOOLEAN NOT NULL,
		closed           BOOLEAN NOT NULL DEFAULT FALSE,
		first_activity   TIMESTAMPTZ NOT NULL,
		last_activity    TIMESTAMPTZ NOT NULL,
		closed_at        TIMESTAMPTZ,
		PRIMARY KEY (pseudonym, tax_year)
	)`,
	`CREATE TABLE IF NOT EXISTS aggregation_closed_periods (
		tax_year  INTEGER PRIMARY KEY,
		closed_at TIMESTAMPTZ NOT NULL
	)`,
}

const bucketColumns = `pseudonym, tax_year, total, tx_count, classes, high_water_mark,
	any_tx_breach, aggregate_breach, closed, first_activity, last_activity, closed_at`

// Store persists buckets in PostgreSQL. Apply is a single upsert, so the
// row lock Postgres takes on conflict is what serializes updates to one key.
// Business rules live in the engine; the SQL only folds values.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL bucket store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the bucket tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create aggregation schema: %w", err)
		}
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Apply inserts the bucket or folds the contribution into it. No row comes
// back when the bucket or its tax year is closed.
func (s *Store) Apply(ctx context.Context, key models.Key, c models.Contribution, threshold decimal.Decimal) (*models.Bucket, error) {
	query := `
		INSERT INTO aggregation_buckets AS b (
			pseudonym, tax_year, total, tx_count, classes, high_water_mark,
			any_tx_breach, aggregate_breach, first_activity, last_activity
		)
		SELECT $1::TEXT, $2::INTEGER, $3::NUMERIC, 1, ARRAY[$4::TEXT], $3::NUMERIC,
			$5::BOOLEAN, $3::NUMERIC >= $7::NUMERIC, $6::TIMESTAMPTZ, $6::TIMESTAMPTZ
		WHERE NOT EXISTS (SELECT 1 FROM aggregation_closed_periods WHERE tax_year = $2::INTEGER)
		ON CONFLICT (pseudonym, tax_year) DO UPDATE SET
			total = b.total + EXCLUDED.total,
			tx_count = b.tx_count + 1,
			classes = CASE
				WHEN EXCLUDED.classes[1] = ANY(b.classes) THEN b.classes
				ELSE ARRAY(SELECT unnest(b.classes || EXCLUDED.classes) ORDER BY 1)
			END,
			high_water_mark = GREATEST(b.high_water_mark, EXCLUDED.high_water_mark),
			any_tx_breach = b.any_tx_breach OR EXCLUDED.any_tx_breach,
			aggregate_breach = b.aggregate_breach OR b.total + EXCLUDED.total >= $7::NUMERIC,
			first_activity = LEAST(b.first_activity, EXCLUDED.first_activity),
			last_activity = GREATEST(b.last_activity, EXCLUDED.last_activity)
		WHERE NOT b.closed
		RETURNING ` + bucketColumns
	bucket, err := scanBucket(s.execer(ctx).QueryRowContext(ctx, query,
		key.Pseudonym.String(),
		int(key.TaxYear),
		c.ValueGBP,
		string(c.AssetClass),
		c.ThresholdBreach,
		c.Timestamp.UTC(),
		threshold,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrClosed)
		}
		return nil, fmt.Errorf("apply to bucket: %w", err)
	}
	return bucket, nil
}

// Close freezes one bucket, keeping the first closed_at on repeat calls.
func (s *Store) Close(ctx context.Context, key models.Key, at time.Time) (*models.Bucket, error) {
	query := `
		UPDATE aggregation_buckets
		SET closed = TRUE, closed_at = COALESCE(closed_at, $3)
		WHERE pseudonym = $1 AND tax_year = $2
		RETURNING ` + bucketColumns
	bucket, err := scanBucket(s.execer(ctx).QueryRowContext(ctx, query, key.Pseudonym.String(), int(key.TaxYear), at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("close bucket: %w", err)
	}
	return bucket, nil
}

// ClosePeriod marks the tax year closed and freezes its open buckets in one
// transaction.
func (s *Store) ClosePeriod(ctx context.Context, year id.TaxYear, at time.Time) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin close period: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	txCtx := txcontext.WithTx(ctx, tx)

	_, err = s.execer(txCtx).ExecContext(txCtx, `
		INSERT INTO aggregation_closed_periods (tax_year, closed_at)
		VALUES ($1, $2)
		ON CONFLICT (tax_year) DO NOTHING
	`, int(year), at)
	if err != nil {
		return 0, fmt.Errorf("mark period closed: %w", err)
	}
	res, err := s.execer(txCtx).ExecContext(txCtx, `
		UPDATE aggregation_buckets
		SET closed = TRUE, closed_at = $2
		WHERE tax_year = $1 AND NOT closed
	`, int(year), at)
	if err != nil {
		return 0, fmt.Errorf("close period buckets: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close period rows affected: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit close period: %w", err)
	}
	return int(affected), nil
}

func (s *Store) Get(ctx context.Context, key models.Key) (*models.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM aggregation_buckets WHERE pseudonym = $1 AND tax_year = $2`
	bucket, err := scanBucket(s.execer(ctx).QueryRowContext(ctx, query, key.Pseudonym.String(), int(key.TaxYear)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return bucket, nil
}

func (s *Store) ListByTaxYear(ctx context.Context, year id.TaxYear) ([]*models.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM aggregation_buckets WHERE tax_year = $1 ORDER BY pseudonym COLLATE "C"`
	rows, err := s.db.QueryContext(ctx, query, int(year))
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	buckets := make([]*models.Bucket, 0)
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*models.Bucket, error) {
	var (
		b         models.Bucket
		pseudonym string
		taxYear   int
		classes   []string
		closedAt  sql.NullTime
	)
	err := row.Scan(
		&pseudonym,
		&taxYear,
		&b.Total,
		&b.Count,
		pq.Array(&classes),
		&b.HighWaterMark,
		&b.AnyTransactionBreach,
		&b.AggregateBreach,
		&b.Closed,
		&b.FirstActivity,
		&b.LastActivity,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Key = models.Key{Pseudonym: id.Pseudonym(pseudonym), TaxYear: id.TaxYear(taxYear)}
	for _, c := range classes {
		b.AddClass(id.AssetClass(c))
	}
	b.FirstActivity = b.FirstActivity.UTC()
	b.LastActivity = b.LastActivity.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		b.ClosedAt = &at
	}
	return &b, nil
}
