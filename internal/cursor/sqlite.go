package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS crawl_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	target TEXT NOT NULL,
	last_txn_id INTEGER NOT NULL CHECK (last_txn_id >= 0),
	last_acl_changeset_id INTEGER NOT NULL CHECK (last_acl_changeset_id >= 0)
);
CREATE INDEX IF NOT EXISTS idx_crawl_log_target_id ON crawl_log(target, id DESC);
`

// SQLiteStore keeps cursor history in a local SQLite file for single node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cursor store: %w", err)
	}
	// one writer keeps appends serialized
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite cursor store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite cursor schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteLatest(ctx context.Context, q sqlQueryer, target Target) (Value, error) {
	var (
		v     Value
		nanos int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT last_txn_id, last_acl_changeset_id, recorded_at FROM crawl_log WHERE target = ? ORDER BY id DESC LIMIT 1`,
		target.Key()).Scan(&v.LastTransactionID, &v.LastACLChangesetID, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, nil
	}
	if err != nil {
		return Value{}, err
	}
	v.RecordedAt = time.Unix(0, nanos).UTC()
	return v, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, target Target) (Value, error) {
	v, err := sqliteLatest(ctx, s.db, target)
	if err != nil {
		return Value{}, fmt.Errorf("failed to read cursor of %s: %w", target, err)
	}
	return v, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, target Target, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v = stamp(v)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := sqliteLatest(ctx, tx, target)
	if err != nil {
		return fmt.Errorf("failed to read cursor of %s: %w", target, err)
	}
	if v.Regresses(prev) {
		return regressionError(target, prev, v)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO crawl_log (recorded_at, target, last_txn_id, last_acl_changeset_id) VALUES (?, ?, ?, ?)`,
		v.RecordedAt.UnixNano(), target.Key(), v.LastTransactionID, v.LastACLChangesetID); err != nil {
		return fmt.Errorf("failed to append cursor of %s: %w", target, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor of %s: %w", target, err)
	}
	return nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, target Target) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_log WHERE target = ?`, target.Key()); err != nil {
		return fmt.Errorf("failed to reset cursor of %s: %w", target, err)
	}
	return nil
}
