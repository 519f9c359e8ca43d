//go:build integration

package pg_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pvzzle/tipledger/internal/storage"
	"github.com/pvzzle/tipledger/internal/storage/pg"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPool connects to TEST_PG_DSN when set, otherwise starts a throwaway container.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("testdb"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.New(pool).EnsureSchema(ctx))
	// EnsureSchema twice must be safe
	require.NoError(t, pg.New(pool).EnsureSchema(ctx))

	_, _ = pool.Exec(ctx, "TRUNCATE ledger_entries, rewards")
	return pool
}

func newEntry(id, hash string, st storage.LedgerStatus) storage.LedgerEntry {
	return storage.LedgerEntry{
		ID:          id,
		FromAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ToAddress:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		FromUserID:  "user-1",
		Amount:      decimal.NewFromInt(5),
		TokenType:   "CAMLY",
		TxHash:      hash,
		Status:      st,
		ContextID:   "video-1",
	}
}

func TestRepo_UpsertIdempotentOnHash(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	repo := pg.New(pool)

	hash := "0x" + repeat("1", 64)

	_, err := repo.UpsertEntry(ctx, newEntry("a", hash, storage.StatusPending))
	require.NoError(t, err)

	got, err := repo.UpsertEntry(ctx, newEntry("a", hash, storage.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(5)))

	// final rows are never mutated
	got, err = repo.UpsertEntry(ctx, newEntry("a", hash, storage.StatusFailed))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM ledger_entries WHERE tx_hash = $1", hash).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRepo_SentinelRows(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	repo := pg.New(pool)

	_, err := repo.UpsertEntry(ctx, newEntry("a", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)
	_, err = repo.UpsertEntry(ctx, newEntry("a", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)
	_, err = repo.UpsertEntry(ctx, newEntry("b", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM ledger_entries WHERE tx_hash = 'failed'").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRepo_ListByUser(t *testing.T) {
	ctx := context.Background()
	repo := pg.New(setupPool(t))

	receiver := "user-1"
	in := newEntry("in", "0x"+repeat("2", 64), storage.StatusCompleted)
	in.FromUserID = "user-2"
	in.ToUserID = &receiver

	_, err := repo.UpsertEntry(ctx, newEntry("out", "0x"+repeat("3", 64), storage.StatusCompleted))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = repo.UpsertEntry(ctx, in)
	require.NoError(t, err)

	h, err := repo.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "in", h[0].ID)
	assert.Equal(t, "out", h[1].ID)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
