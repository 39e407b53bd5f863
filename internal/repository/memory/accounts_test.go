package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

func TestEnsureConvergesUnderRace(t *testing.T) {
	store := NewAccountStore()
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, outcome, err := store.Ensure(ctx, "A1")
			assert.NoError(t, err)
			assert.Equal(t, "A1", acc.ID)
			if outcome == domain.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	acc, err := store.Get(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())
}

func TestApplyDeltaUnknownAccount(t *testing.T) {
	store := NewAccountStore()

	_, err := store.ApplyDelta(context.Background(), domain.ApplyRequest{
		AccountID:    "missing",
		Delta:        decimal.NewFromInt(-1),
		Precondition: domain.SufficientFunds,
	})
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func TestApplyDeltaPrecondition(t *testing.T) {
	store := NewAccountStore()
	ctx := context.Background()
	_, _, err := store.Ensure(ctx, "A1")
	require.NoError(t, err)

	res, err := store.ApplyDelta(ctx, domain.ApplyRequest{AccountID: "A1", Delta: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, "100", res.Account.Balance.String())

	_, err = store.ApplyDelta(ctx, domain.ApplyRequest{
		AccountID:    "A1",
		Delta:        decimal.NewFromInt(-150),
		Precondition: domain.SufficientFunds,
	})
	assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))

	// An unconditional delta still cannot drive the balance below zero.
	_, err = store.ApplyDelta(ctx, domain.ApplyRequest{AccountID: "A1", Delta: decimal.NewFromInt(-101)})
	assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))

	acc, err := store.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "100", acc.Balance.String())
}

func TestApplyDeltaOperationKeyAppliesOnce(t *testing.T) {
	store := NewAccountStore()
	ctx := context.Background()
	_, _, err := store.Ensure(ctx, "A1")
	require.NoError(t, err)

	req := domain.ApplyRequest{AccountID: "A1", Delta: decimal.NewFromInt(25), OperationKey: "k1"}

	first, err := store.ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := store.ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, "25", second.Account.Balance.String())
	assert.Equal(t, "25", second.AppliedDelta.String())

	// A replay reports the delta recorded first, not the one requested now.
	third, err := store.ApplyDelta(ctx, domain.ApplyRequest{AccountID: "A1", Delta: decimal.Zero, OperationKey: "k1"})
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, "25", third.AppliedDelta.String())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := NewAccountStore()
	ctx := context.Background()
	_, _, err := store.Ensure(ctx, "A1")
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, domain.ApplyRequest{AccountID: "A1", Delta: decimal.NewFromInt(100)})
	require.NoError(t, err)

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyDelta(ctx, domain.ApplyRequest{
				AccountID:    "A1",
				Delta:        decimal.NewFromInt(-7),
				Precondition: domain.SufficientFunds,
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(14), succeeded.Load())
	acc, err := store.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "2", acc.Balance.String())
}
