package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-ledger/internal/domain"
)

func TestLedgerAppendIsIdempotentOnID(t *testing.T) {
	ledger := NewLedger()
	ctx := context.Background()

	m := &domain.Movement{ID: uuid.New(), Type: domain.Deposit, Amount: decimal.NewFromInt(10), DestAccount: "A1"}

	first, created, err := ledger.Append(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.Timestamp.IsZero())

	second, created, err := ledger.Append(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	all, err := ledger.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedgerTimestampsNeverGoBackwards(t *testing.T) {
	ledger := NewLedger()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Second), base}
	ledger.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}

	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m, _, err := ledger.Append(ctx, &domain.Movement{
			ID: uuid.New(), Type: domain.Deposit, Amount: decimal.NewFromInt(int64(i + 1)), DestAccount: "A1",
		})
		require.NoError(t, err)
		assert.Equal(t, base, m.Timestamp)
		ids = append(ids, m.ID)
	}

	history, err := ledger.History(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Equal timestamps fall back to insertion order, newest first.
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, []uuid.UUID{history[0].ID, history[1].ID, history[2].ID})
}

func TestLedgerHistoryFiltersByAccount(t *testing.T) {
	ledger := NewLedger()
	ctx := context.Background()

	movements := []*domain.Movement{
		{ID: uuid.New(), Type: domain.Deposit, Amount: decimal.NewFromInt(100), DestAccount: "A1"},
		{ID: uuid.New(), Type: domain.Deposit, Amount: decimal.NewFromInt(5), DestAccount: "B1"},
		{ID: uuid.New(), Type: domain.Transfer, Amount: decimal.NewFromInt(60), SourceAccount: "A1", DestAccount: "A2"},
		{ID: uuid.New(), Type: domain.Withdrawal, Amount: decimal.NewFromInt(1), SourceAccount: "B1"},
	}
	for _, m := range movements {
		_, _, err := ledger.Append(ctx, m)
		require.NoError(t, err)
	}

	history, err := ledger.History(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.Transfer, history[0].Type)
	assert.Equal(t, domain.Deposit, history[1].Type)

	got, err := ledger.Get(ctx, movements[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "B1", got.DestAccount)

	missing, err := ledger.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
