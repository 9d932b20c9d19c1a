package cursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/db"
)

var cursorColumns = []string{"last_txn_id", "last_acl_changeset_id", "recorded_at"}

func TestPostgresStoreRead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	recorded := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnRows(pgxmock.NewRows(cursorColumns).AddRow(int64(5), int64(2), recorded))

	v, err := NewPostgresStore(mock).Read(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, Value{LastTransactionID: 5, LastACLChangesetID: 2, RecordedAt: recorded}, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreReadEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnRows(pgxmock.NewRows(cursorColumns))

	v, err := NewPostgresStore(mock).Read(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, Value{}, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreReadError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnError(errors.New("connection reset"))

	_, err = NewPostgresStore(mock).Read(context.Background(), testTarget)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(testTarget.Key()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnRows(pgxmock.NewRows(cursorColumns).AddRow(int64(5), int64(2), time.Now()))
	mock.ExpectExec("INSERT INTO crawl_log").
		WithArgs(testTarget.Key(), int64(7), int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = NewPostgresStore(mock).Append(context.Background(), testTarget, Value{LastTransactionID: 7, LastACLChangesetID: 2})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendRegression(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(testTarget.Key()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnRows(pgxmock.NewRows(cursorColumns).AddRow(int64(10), int64(3), time.Now()))
	mock.ExpectRollback()

	err = NewPostgresStore(mock).Append(context.Background(), testTarget, Value{LastTransactionID: 9, LastACLChangesetID: 3})
	assert.ErrorIs(t, err, ErrCursorRegression)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendInsertFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(testTarget.Key()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT last_txn_id").
		WithArgs(testTarget.Key()).
		WillReturnRows(pgxmock.NewRows(cursorColumns))
	mock.ExpectExec("INSERT INTO crawl_log").
		WithArgs(testTarget.Key(), int64(1), int64(0), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewPostgresStore(mock).Append(context.Background(), testTarget, Value{LastTransactionID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreReset(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM crawl_log").
		WithArgs(testTarget.Key()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, NewPostgresStore(mock).Reset(context.Background(), testTarget))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(context.Background()) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.NewWithRetry(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))

	storeContract(t, NewPostgresStore(pool))
}
