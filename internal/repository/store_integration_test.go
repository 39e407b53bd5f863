package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"account-ledger/internal/repository/storetest"
)

// setupPostgres starts a disposable PostgreSQL container, migrates it and returns a
// Store connected to it.
func setupPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	require.NoError(t, Migrate(dsn, "ledger", logger))
	// Running again is a no-op.
	require.NoError(t, Migrate(dsn, "ledger", logger))

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	return NewStore(db, logger)
}

func TestPostgresStoreBehavior(t *testing.T) {
	store := setupPostgres(t)

	storetest.Run(t, store)
}

func TestPostgresMovementsAreAppendOnly(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO movements (id, type, amount, dest_account) VALUES (gen_random_uuid(), 'deposit', 1, 'A1')`)
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE movements SET amount = 2`)
	require.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM movements`)
	require.Error(t, err)
}

func TestPostgresRejectsNegativeBalance(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES ('neg', -1, now(), now())`)
	require.Error(t, err)
	require.Equal(t, codeCheckViolation, pqCode(err))
}
