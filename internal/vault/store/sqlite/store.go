// Package sqlite persists vault material in a dedicated SQLite file, kept
// apart from the relational store used for buckets and audit entries.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"carfengine/internal/vault/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
)

const keysTable = `
CREATE TABLE IF NOT EXISTS vault_keys (
	version    INTEGER PRIMARY KEY,
	material   BLOB,
	created_at INTEGER NOT NULL,
	erased_at  INTEGER
)`

const saltsTable = `
CREATE TABLE IF NOT EXISTS vault_salts (
	version    INTEGER PRIMARY KEY,
	material   BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// Store is a vault.KeyStore backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the vault file at path with owner-only permissions.
// secure_delete makes SQLite overwrite freed pages, so destroyed key material
// does not linger in the file.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("vault path is required")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create vault file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("create vault file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict vault file: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vault db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA secure_delete = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		keysTable,
		saltsTable,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init vault db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads every live key, every salt and the list of erased key versions.
func (s *Store) Load(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, material, created_at, erased_at FROM vault_keys ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query vault keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			version  uint32
			material []byte
			created  int64
			erasedAt sql.NullInt64
		)
		if err := rows.Scan(&version, &material, &created, &erasedAt); err != nil {
			return nil, fmt.Errorf("scan vault key: %w", err)
		}
		if erasedAt.Valid {
			snap.Erased = append(snap.Erased, id.KeyVersion(version))
			continue
		}
		snap.Keys = append(snap.Keys, models.KeyMaterial{
			Version:   version,
			Material:  material,
			CreatedAt: time.Unix(0, created).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault keys: %w", err)
	}

	saltRows, err := s.db.QueryContext(ctx,
		`SELECT version, material, created_at FROM vault_salts ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query vault salts: %w", err)
	}
	defer saltRows.Close()
	for saltRows.Next() {
		var (
			m       models.KeyMaterial
			created int64
		)
		if err := saltRows.Scan(&m.Version, &m.Material, &created); err != nil {
			return nil, fmt.Errorf("scan vault salt: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		snap.Salts = append(snap.Salts, m)
	}
	if err := saltRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault salts: %w", err)
	}
	return snap, nil
}

func (s *Store) PutKey(ctx context.Context, material models.KeyMaterial) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_keys (version, material, created_at) VALUES (?, ?, ?)`,
		material.Version, material.Material, material.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert vault key: %w", err)
	}
	return nil
}

func (s *Store) PutSalt(ctx context.Context, material models.KeyMaterial) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_salts (version, material, created_at) VALUES (?, ?, ?)`,
		material.Version, material.Material, material.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert vault salt: %w", err)
	}
	return nil
}

// DestroyKey nulls the material and stamps the row as erased. The row itself
// is kept so the version number is never reissued.
func (s *Store) DestroyKey(ctx context.Context, version id.KeyVersion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vault_keys SET material = NULL, erased_at = COALESCE(erased_at, ?) WHERE version = ?`,
		time.Now().UnixNano(), uint32(version))
	if err != nil {
		return fmt.Errorf("destroy vault key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("destroy vault key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("destroy vault key %s: %w", version, sentinel.ErrNotFound)
	}
	// Fold the freed pages out of the WAL so the old bytes are overwritten on disk.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint vault db: %w", err)
	}
	return nil
}
