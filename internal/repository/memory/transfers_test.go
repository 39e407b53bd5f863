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
	"account-ledger/internal/errors"
)

func newTransfer(status domain.TransferStatus) *domain.PendingTransfer {
	return &domain.PendingTransfer{
		ID:                   uuid.New(),
		SourceAccountID:      "A1",
		DestinationAccountID: "A2",
		Amount:               decimal.NewFromInt(10),
		Status:               status,
	}
}

func TestJournalOpenAndAdvance(t *testing.T) {
	journal := NewTransferJournal()
	ctx := context.Background()

	pt := newTransfer(domain.TransferPending)
	stored, created, err := journal.Open(ctx, pt)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransferPending, stored.Status)

	_, created, err = journal.Open(ctx, pt)
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := journal.Advance(ctx, pt.ID, domain.TransferPending, domain.TransferDebited)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = journal.Advance(ctx, pt.ID, domain.TransferPending, domain.TransferAbandoned)
	require.NoError(t, err)
	assert.False(t, ok, "advance from a stale status must not apply")

	_, err = journal.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTransferNotFound))
}

func TestJournalClaimStale(t *testing.T) {
	journal := NewTransferJournal()
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	journal.now = func() time.Time { return clock }

	stale := newTransfer(domain.TransferDebited)
	done := newTransfer(domain.TransferCompleted)
	for _, pt := range []*domain.PendingTransfer{stale, done} {
		_, _, err := journal.Open(ctx, pt)
		require.NoError(t, err)
	}

	clock = clock.Add(time.Minute)
	fresh := newTransfer(domain.TransferPending)
	_, _, err := journal.Open(ctx, fresh)
	require.NoError(t, err)

	clock = clock.Add(time.Second)
	claimed, err := journal.ClaimStale(ctx, clock.Add(-30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, stale.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	// A claimed transfer is leased until it becomes stale again.
	claimed, err = journal.ClaimStale(ctx, clock.Add(-30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
