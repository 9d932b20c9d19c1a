package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/db"
)

const (
	sqlLatest = `SELECT last_txn_id, last_acl_changeset_id, recorded_at
		FROM crawl_log
		WHERE target = $1
		ORDER BY id DESC
		LIMIT 1`
	sqlLock   = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlInsert = `INSERT INTO crawl_log (target, last_txn_id, last_acl_changeset_id, recorded_at)
		VALUES ($1, $2, $3, $4)`
	sqlReset = `DELETE FROM crawl_log WHERE target = $1`
)

// PostgresStore keeps cursor history in the crawl_log table.
type PostgresStore struct {
	db db.PgxIface
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on top of an already migrated database.
func NewPostgresStore(pool db.PgxIface) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Read implements Store.
func (s *PostgresStore) Read(ctx context.Context, target Target) (Value, error) {
	v, err := latest(ctx, s.db, target)
	if err != nil {
		return Value{}, fmt.Errorf("failed to read cursor of %s: %w", target, err)
	}
	return v, nil
}

func latest(ctx context.Context, q db.PgxIface, target Target) (Value, error) {
	var v Value
	err := q.QueryRow(ctx, sqlLatest, target.Key()).Scan(&v.LastTransactionID, &v.LastACLChangesetID, &v.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Value{}, nil
	}
	return v, err
}

// Append implements Store. Appends for one target are serialized with a transaction scoped
// advisory lock, so the regression check and the insert see the same latest row.
func (s *PostgresStore) Append(ctx context.Context, target Target, v Value) (err error) {
	if err := v.Validate(); err != nil {
		return err
	}
	v = stamp(v)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, sqlLock, target.Key()); err != nil {
		return fmt.Errorf("failed to lock cursor of %s: %w", target, err)
	}
	prev, err := latest(ctx, tx, target)
	if err != nil {
		return fmt.Errorf("failed to read cursor of %s: %w", target, err)
	}
	if v.Regresses(prev) {
		err = regressionError(target, prev, v)
		return err
	}
	if _, err = tx.Exec(ctx, sqlInsert, target.Key(), v.LastTransactionID, v.LastACLChangesetID, v.RecordedAt); err != nil {
		return fmt.Errorf("failed to append cursor of %s: %w", target, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cursor of %s: %w", target, err)
	}

	logrus.WithFields(logrus.Fields{
		"target": target.Key(),
		"txn":    v.LastTransactionID,
		"acl":    v.LastACLChangesetID,
	}).Debug("Appended cursor to PostgreSQL")
	return nil
}

// Reset implements Store.
func (s *PostgresStore) Reset(ctx context.Context, target Target) error {
	tag, err := s.db.Exec(ctx, sqlReset, target.Key())
	if err != nil {
		return fmt.Errorf("failed to reset cursor of %s: %w", target, err)
	}
	logrus.WithFields(logrus.Fields{
		"target":  target.Key(),
		"removed": tag.RowsAffected(),
	}).Info("Reset cursor history")
	return nil
}
