package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"carfengine/internal/audit"
	id "carfengine/pkg/domain"
	txcontext "carfengine/pkg/platform/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq              BIGINT PRIMARY KEY,
	id               UUID NOT NULL UNIQUE,
	ts               TIMESTAMPTZ NOT NULL,
	kind             TEXT NOT NULL,
	subjects         TEXT[] NOT NULL DEFAULT '{}',
	key_version      BIGINT NOT NULL DEFAULT 0,
	salt_version     BIGINT NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT '',
	salt_fingerprint TEXT NOT NULL DEFAULT '',
	run_id           TEXT NOT NULL DEFAULT '',
	actor            TEXT NOT NULL DEFAULT '',
	prev_hash        TEXT NOT NULL,
	hash             TEXT NOT NULL
)`

// Store implements audit.Store on a PostgreSQL table. The seq primary key
// makes a duplicate sequence a hard insert failure rather than a silent fork.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the audit table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create audit_log: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one entry.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	query := `
		INSERT INTO audit_log (
			seq, id, ts, kind, subjects, key_version, salt_version,
			outcome, detail, salt_fingerprint, run_id, actor, prev_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	subjects := e.Subjects
	if subjects == nil {
		subjects = []string{}
	}
	_, err := s.execer(ctx).ExecContext(ctx, query,
		int64(e.Sequence),
		e.ID,
		e.Timestamp,
		string(e.Kind),
		pq.Array(subjects),
		int64(e.KeyVersion),
		int64(e.SaltVersion),
		string(e.Outcome),
		e.Detail,
		e.SaltFingerprint,
		e.RunID,
		e.Actor,
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns all entries ordered by sequence.
func (s *Store) List(ctx context.Context) ([]audit.Entry, error) {
	query := `
		SELECT seq, id, ts, kind, subjects, key_version, salt_version,
			   outcome, detail, salt_fingerprint, run_id, actor, prev_hash, hash
		FROM audit_log
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e           audit.Entry
			seq         int64
			kind        string
			outcome     string
			keyVersion  int64
			saltVersion int64
			subjects    []string
		)
		err := rows.Scan(
			&seq,
			&e.ID,
			&e.Timestamp,
			&kind,
			pq.Array(&subjects),
			&keyVersion,
			&saltVersion,
			&outcome,
			&e.Detail,
			&e.SaltFingerprint,
			&e.RunID,
			&e.Actor,
			&e.PrevHash,
			&e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Kind = audit.Kind(kind)
		e.Outcome = audit.Outcome(outcome)
		e.KeyVersion = id.KeyVersion(keyVersion)
		e.SaltVersion = id.SaltVersion(saltVersion)
		e.Timestamp = e.Timestamp.UTC()
		if len(subjects) > 0 {
			e.Subjects = subjects
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
