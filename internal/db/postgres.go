// Package db provides PostgreSQL connectivity for the cursor store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/migrations"
)

// ApplicationName is reported to PostgreSQL in pg_stat_activity.
const ApplicationName = "alfresco_sync"

// Cursor traffic is one short transaction per batch, so the pool stays small.
const (
	defaultConnectTimeout = 5 * time.Second
	defaultIdleTime       = 15 * time.Second
	defaultMaxConns       = 8
)

// PgxIface is the part of pgx the cursor store talks to. Both pools and pgxmock satisfy it.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// PgxPoolIface adds the pool lifecycle.
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Config() *pgxpool.Config
	Ping(ctx context.Context) error
	Close()
}

// ConnConfigCallback may adjust the pool configuration before it is opened.
type ConnConfigCallback = func(*pgxpool.Config) error

// New parses connStr and opens a pool.
func New(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL connection string: %w", err)
	}
	return NewWithConfig(ctx, cfg, callbacks...)
}

// NewWithConfig opens a pool from cfg after applying the cursor store defaults and callbacks.
func NewWithConfig(ctx context.Context, cfg *pgxpool.Config, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxConns > defaultMaxConns {
		cfg.MaxConns = defaultMaxConns
	}
	cfg.MaxConnIdleTime = defaultIdleTime
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	cfg.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logrus.WithFields(logrus.Fields{
			"severity": n.Severity,
			"notice":   n.Message,
		}).Info("PostgreSQL notice")
	}
	for _, f := range callbacks {
		if err := f(cfg); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// ApplyMigrations brings the cursor schema on conn up to date.
func ApplyMigrations(ctx context.Context, conn *pgx.Conn) error {
	logger := logrus.WithField("table", migrations.TableName)
	pending, err := migrations.NeedsUpgrade(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if !pending {
		logger.Debug("Cursor schema is up to date")
		return nil
	}
	logger.Info("Applying cursor schema migrations")
	if err := migrations.Apply(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info("Cursor schema migrated")
	return nil
}

// Migrate runs ApplyMigrations on a connection borrowed from pool.
func Migrate(ctx context.Context, pool PgxPoolIface) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()
	return ApplyMigrations(ctx, conn.Conn())
}
