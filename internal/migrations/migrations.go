// Package migrations contains the schema of the PostgreSQL cursor store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the table the migrator records applied migrations in.
const TableName = "alfresco_sync_migrations"

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_crawl_log",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					-- Append-only history of cursor positions, one row per finished batch
					CREATE TABLE crawl_log (
						id bigserial PRIMARY KEY,
						recorded_at timestamp with time zone NOT NULL DEFAULT now(),
						target text NOT NULL,
						last_txn_id bigint NOT NULL CHECK (last_txn_id >= 0),
						last_acl_changeset_id bigint NOT NULL CHECK (last_acl_changeset_id >= 0)
					);

					CREATE INDEX idx_crawl_log_target_id ON crawl_log(target, id DESC);
				`)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_crawl_log_target_view",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					-- Latest position per target, for operators
					CREATE VIEW crawl_log_latest AS
					SELECT DISTINCT ON (target) target, last_txn_id, last_acl_changeset_id, recorded_at
					FROM crawl_log
					ORDER BY target, id DESC;
				`)
				return err
			},
		},
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
