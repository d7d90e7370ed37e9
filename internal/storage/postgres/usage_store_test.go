package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func newMockStore(t *testing.T) (*UsageStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewUsageStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestGetReturnsRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT usage_count, last_reset FROM usage_records").
		WithArgs("ABC").
		WillReturnRows(pgxmock.NewRows([]string{"usage_count", "last_reset"}).AddRow(3, "2026-10-19"))

	rec, err := store.Get(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, gateway.UsageRecord{APIKey: "ABC", Count: 3, LastReset: "2026-10-19"}, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT usage_count, last_reset FROM usage_records").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, gateway.ErrUnknownAPIKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := gateway.UsageRecord{APIKey: "ABC", LastReset: "2026-10-19"}
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs("ABC", 0, "2026-10-19").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs("ABC", 0, "2026-10-19").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.Create(context.Background(), rec))
	require.ErrorIs(t, store.Create(context.Background(), rec), gateway.ErrKeyAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	prev := gateway.UsageRecord{APIKey: "ABC", Count: 2, LastReset: "2026-10-19"}
	next := gateway.UsageRecord{APIKey: "ABC", Count: 3, LastReset: "2026-10-19"}

	mock.ExpectExec("UPDATE usage_records SET usage_count").
		WithArgs(3, "2026-10-19", "ABC", 2, "2026-10-19").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE usage_records SET usage_count").
		WithArgs(3, "2026-10-19", "ABC", 2, "2026-10-19").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	swapped, err := store.CompareAndSwap(context.Background(), prev, next)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = store.CompareAndSwap(context.Background(), prev, next)
	require.NoError(t, err)
	assert.False(t, swapped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE usage_records").WillReturnError(errors.New("conn reset"))

	_, err := store.CompareAndSwap(context.Background(),
		gateway.UsageRecord{APIKey: "ABC"}, gateway.UsageRecord{APIKey: "ABC", Count: 1})
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.NoError(t, store.Ping(context.Background()))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewUsageStoreWithPool(mock, "usage; DROP TABLE x")
	require.Error(t, err)

	_, err = NewUsageStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestNewUsageStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewUsageStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrationsAndStoreIntegration(t *testing.T) {
	dsn := os.Getenv("GATEWAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEWAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	require.NoError(t, RunMigrations(dsn))
	require.NoError(t, RunMigrations(dsn))

	store, err := NewUsageStore(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	key := "it-" + t.Name()
	_, _ = store.pool.Exec(ctx, "DELETE FROM usage_records WHERE api_key = $1", key)

	rec := gateway.UsageRecord{APIKey: key, LastReset: "2026-10-19"}
	require.NoError(t, store.Create(ctx, rec))
	next := rec
	next.Count = 1
	swapped, err := store.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}
