package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvzzle/tipledger/internal/storage"
)

func entry(id, hash string, st storage.LedgerStatus) storage.LedgerEntry {
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

func TestLedger_UpsertSameHashTwice(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusCompleted))
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusCompleted))
	require.NoError(t, err)

	assert.Len(t, l.ByHash("0x123"), 1)
	assert.Equal(t, 1, l.Count())
}

func TestLedger_PendingFinalisedInPlace(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusPending))
	require.NoError(t, err)

	got, err := l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, 1, l.Count())
}

func TestLedger_FinalRowNeverMutated(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusFailed))
	require.NoError(t, err)

	got, err := l.UpsertEntry(ctx, entry("a", "0x123", storage.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestLedger_SentinelRowsIdempotentOnID(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.UpsertEntry(ctx, entry("a", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, entry("a", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, entry("b", storage.FailedTxHash, storage.StatusFailed))
	require.NoError(t, err)

	assert.Len(t, l.ByHash(storage.FailedTxHash), 2)
}

func TestLedger_RejectsInvalid(t *testing.T) {
	l := NewLedger()

	_, err := l.UpsertEntry(context.Background(), entry("a", storage.FailedTxHash, storage.StatusPending))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = l.UpsertEntry(context.Background(), entry("", "0x1", storage.StatusFailed))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedger_ConflictingHashForID(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.UpsertEntry(ctx, entry("a", "0x1", storage.StatusCompleted))
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, entry("a", "0x2", storage.StatusCompleted))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestLedger_ListByUser_SenderOrReceiverNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	receiver := "user-1"
	in := entry("in", "0x1", storage.StatusCompleted)
	in.FromUserID = "user-2"
	in.ToUserID = &receiver

	other := entry("other", "0x2", storage.StatusCompleted)
	other.FromUserID = "user-3"

	_, err := l.UpsertEntry(ctx, entry("out", "0x3", storage.StatusCompleted))
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, in)
	require.NoError(t, err)
	_, err = l.UpsertEntry(ctx, other)
	require.NoError(t, err)

	got, err := l.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "in", got[0].ID)
	assert.Equal(t, "out", got[1].ID)

	got, err = l.ListByUser(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
