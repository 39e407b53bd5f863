// Package storetest holds the behavior every storage backend must share. Each backend
// runs it from its own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
	"account-ledger/internal/service"
)

type Backend interface {
	Accounts() domain.AccountStore
	Movements() domain.Ledger
	Transfers() domain.TransferJournal
}

// Run exercises b. Tests use fresh random ids, so b may be shared and non-empty.
func Run(t *testing.T, b Backend) {
	t.Run("EnsureConverges", func(t *testing.T) { testEnsureConverges(t, b) })
	t.Run("ApplyDeltaUnknownAccount", func(t *testing.T) { testApplyDeltaUnknownAccount(t, b) })
	t.Run("ApplyDeltaPrecondition", func(t *testing.T) { testApplyDeltaPrecondition(t, b) })
	t.Run("ApplyDeltaOperationKey", func(t *testing.T) { testApplyDeltaOperationKey(t, b) })
	t.Run("ZeroDeltaFencesKey", func(t *testing.T) { testZeroDeltaFencesKey(t, b) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, b) })
	t.Run("ExactDecimals", func(t *testing.T) { testExactDecimals(t, b) })
	t.Run("LedgerAppendAndHistory", func(t *testing.T) { testLedger(t, b) })
	t.Run("TransferJournal", func(t *testing.T) { testJournal(t, b) })
	recorder, transactional := b.(domain.MovementRecorder)
	if !transactional {
		recorder = service.SequentialRecorder(b.Accounts(), b.Movements())
	}
	t.Run("Recorder", func(t *testing.T) { testRecorder(t, b, recorder, transactional) })
	t.Run("RecorderKeyReusedInFlight", func(t *testing.T) { testRecorderKeyReusedInFlight(t, b, recorder) })
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ensure(t *testing.T, b Backend, id string, balance string) {
	t.Helper()
	ctx := context.Background()

	_, _, err := b.Accounts().Ensure(ctx, id)
	require.NoError(t, err)
	if d := dec(balance); !d.IsZero() {
		_, err = b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{AccountID: id, Delta: d})
		require.NoError(t, err)
	}
}

func assertBalance(t *testing.T, b Backend, id, want string) {
	t.Helper()
	acc, err := b.Accounts().Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec(want)), "balance of %s: want %s, got %s", id, want, acc.Balance)
}

func testEnsureConverges(t *testing.T, b Backend) {
	ctx := context.Background()
	id := newID("ensure")

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, outcome, err := b.Accounts().Ensure(ctx, id)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, id, acc.ID)
			assert.True(t, acc.Balance.IsZero())
			if outcome == domain.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	_, outcome, err := b.Accounts().Ensure(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Existing, outcome)
}

func testApplyDeltaUnknownAccount(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Accounts().Get(ctx, newID("ghost"))
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))

	_, err = b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{AccountID: newID("ghost"), Delta: dec("5")})
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))

	_, err = b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
		AccountID: newID("ghost"), Delta: dec("5"), OperationKey: "k",
	})
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func testApplyDeltaPrecondition(t *testing.T, b Backend) {
	ctx := context.Background()
	id := newID("pre")
	ensure(t, b, id, "10")

	_, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
		AccountID: id, Delta: dec("-15"), Precondition: domain.SufficientFunds,
	})
	assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))
	assertBalance(t, b, id, "10")

	// The balance floor holds even without the precondition.
	_, err = b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{AccountID: id, Delta: dec("-11")})
	assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))
	assertBalance(t, b, id, "10")

	res, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
		AccountID: id, Delta: dec("-10"), Precondition: domain.SufficientFunds,
	})
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.IsZero())
	assert.False(t, res.Replayed)
	assert.True(t, res.AppliedDelta.Equal(dec("-10")))
}

func testApplyDeltaOperationKey(t *testing.T, b Backend) {
	ctx := context.Background()
	id := newID("key")
	ensure(t, b, id, "0")

	req := domain.ApplyRequest{AccountID: id, Delta: dec("5"), OperationKey: "op-1"}
	first, err := b.Accounts().ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := b.Accounts().ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.True(t, second.AppliedDelta.Equal(dec("5")))

	req.Delta = dec("7")
	third, err := b.Accounts().ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.True(t, third.AppliedDelta.Equal(dec("5")), "replay reports the first delta")

	assertBalance(t, b, id, "5")
}

func testZeroDeltaFencesKey(t *testing.T, b Backend) {
	ctx := context.Background()
	id := newID("fence")
	ensure(t, b, id, "20")

	fence, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
		AccountID: id, Delta: decimal.Zero, OperationKey: "transfer:x:debit",
	})
	require.NoError(t, err)
	assert.False(t, fence.Replayed)

	late, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
		AccountID: id, Delta: dec("-8"), Precondition: domain.SufficientFunds, OperationKey: "transfer:x:debit",
	})
	require.NoError(t, err)
	assert.True(t, late.Replayed)
	assert.True(t, late.AppliedDelta.IsZero())
	assertBalance(t, b, id, "20")
}

func testConcurrentDebits(t *testing.T, b Backend) {
	ctx := context.Background()
	id := newID("race")
	ensure(t, b, id, "100")

	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{
				AccountID: id, Delta: dec("-7"), Precondition: domain.SufficientFunds,
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errors.ErrPreconditionFailed):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(14), succeeded.Load())
	assert.Equal(t, int32(16), rejected.Load())
	assertBalance(t, b, id, "2")
}

func testExactDecimals(t *testing.T, b Backend) {
	id := newID("cents")
	ensure(t, b, id, "0")

	for i := 0; i < 3; i++ {
		_, err := b.Accounts().ApplyDelta(context.Background(), domain.ApplyRequest{AccountID: id, Delta: dec("0.1")})
		require.NoError(t, err)
	}
	assertBalance(t, b, id, "0.3")
}

func testLedger(t *testing.T, b Backend) {
	ctx := context.Background()
	ledger := b.Movements()
	x, y, z := newID("x"), newID("y"), newID("z")

	movements := []*domain.Movement{
		{ID: uuid.New(), Type: domain.Deposit, Amount: dec("100"), DestAccount: x},
		{ID: uuid.New(), Type: domain.Deposit, Amount: dec("5"), DestAccount: z},
		{ID: uuid.New(), Type: domain.Transfer, Amount: dec("60"), SourceAccount: x, DestAccount: y},
		{ID: uuid.New(), Type: domain.Withdrawal, Amount: dec("0.25"), SourceAccount: x},
	}
	for _, m := range movements {
		stored, created, err := ledger.Append(ctx, m)
		require.NoError(t, err)
		assert.True(t, created)
		assert.False(t, stored.Timestamp.IsZero())
	}

	again, created, err := ledger.Append(ctx, &domain.Movement{
		ID: movements[0].ID, Type: domain.Deposit, Amount: dec("1"), DestAccount: x,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, again.Amount.Equal(dec("100")), "an existing movement is never overwritten")

	missing, err := ledger.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	found, err := ledger.Get(ctx, movements[2].ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.SameRequest(movements[2]))

	history, err := ledger.History(ctx, x)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, movements[3].ID, history[0].ID)
	assert.Equal(t, movements[2].ID, history[1].ID)
	assert.Equal(t, movements[0].ID, history[2].ID)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.After(history[i-1].Timestamp))
	}

	history, err = ledger.History(ctx, y)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.Transfer, history[0].Type)

	history, err = ledger.History(ctx, newID("nobody"))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testJournal(t *testing.T, b Backend) {
	ctx := context.Background()
	journal := b.Transfers()

	record := &domain.PendingTransfer{
		ID:                   uuid.New(),
		SourceAccountID:      newID("src"),
		DestinationAccountID: newID("dst"),
		Amount:               dec("12.34"),
		Status:               domain.TransferPending,
	}
	stored, created, err := journal.Open(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransferPending, stored.Status)
	assert.True(t, stored.SameRequest(record))

	_, created, err = journal.Open(ctx, record)
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := journal.Advance(ctx, record.ID, domain.TransferPending, domain.TransferDebited)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = journal.Advance(ctx, record.ID, domain.TransferPending, domain.TransferAbandoned)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = journal.Advance(ctx, uuid.New(), domain.TransferPending, domain.TransferDebited)
	assert.True(t, errors.Is(err, errors.ErrTransferNotFound))
	_, err = journal.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrTransferNotFound))

	require.NoError(t, journal.RecordFailure(ctx, record.ID, "storage_unavailable"))
	got, err := journal.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDebited, got.Status)
	assert.Equal(t, "storage_unavailable", got.LastError)

	claimed, err := journal.ClaimStale(ctx, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	var mine *domain.PendingTransfer
	for i := range claimed {
		if claimed[i].ID == record.ID {
			mine = &claimed[i]
		}
	}
	require.NotNil(t, mine, "a stale debited transfer is claimed")
	assert.GreaterOrEqual(t, mine.Attempts, 1)

	ok, err = journal.Advance(ctx, record.ID, domain.TransferDebited, domain.TransferCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = journal.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)

	claimed, err = journal.ClaimStale(ctx, time.Now().Add(2*time.Hour), 1000)
	require.NoError(t, err)
	for _, c := range claimed {
		assert.NotEqual(t, record.ID, c.ID, "completed transfers are never claimed")
	}
}

func testRecorder(t *testing.T, b Backend, recorder domain.MovementRecorder, transactional bool) {
	ctx := context.Background()
	id := newID("rec")
	ensure(t, b, id, "0")

	m := &domain.Movement{ID: uuid.New(), Type: domain.Deposit, Amount: dec("9"), DestAccount: id}
	req := domain.ApplyRequest{AccountID: id, Delta: dec("9"), OperationKey: "deposit:r1"}

	res, stored, err := recorder.Record(ctx, req, m)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, m.ID, stored.ID)

	res, _, err = recorder.Record(ctx, req, m)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assertBalance(t, b, id, "9")

	// Without a transaction the fresh key r2 applies before the id conflict is seen.
	if !transactional {
		return
	}

	// A conflicting movement under the same id leaves no trace.
	conflicting := &domain.Movement{ID: m.ID, Type: domain.Deposit, Amount: dec("4"), DestAccount: id}
	_, _, err = recorder.Record(ctx, domain.ApplyRequest{AccountID: id, Delta: dec("4"), OperationKey: "deposit:r2"}, conflicting)
	assert.True(t, errors.Is(err, errors.ErrIdempotencyKeyReused))
	assertBalance(t, b, id, "9")

	history, err := b.Movements().History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// testRecorderKeyReusedInFlight reuses a key whose delta is applied but whose movement
// is not yet appended.
func testRecorderKeyReusedInFlight(t *testing.T, b Backend, recorder domain.MovementRecorder) {
	ctx := context.Background()
	id := newID("inflight")
	ensure(t, b, id, "0")

	key := "deposit:" + uuid.NewString()
	movementID := uuid.New()

	_, err := b.Accounts().ApplyDelta(ctx, domain.ApplyRequest{AccountID: id, Delta: dec("10"), OperationKey: key})
	require.NoError(t, err)

	other := &domain.Movement{ID: movementID, Type: domain.Deposit, Amount: dec("20"), DestAccount: id}
	_, _, err = recorder.Record(ctx, domain.ApplyRequest{AccountID: id, Delta: dec("20"), OperationKey: key}, other)
	assert.True(t, errors.Is(err, errors.ErrIdempotencyKeyReused))
	assertBalance(t, b, id, "10")

	history, err := b.Movements().History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The first request finishes and records the amount that was applied.
	first := &domain.Movement{ID: movementID, Type: domain.Deposit, Amount: dec("10"), DestAccount: id}
	res, stored, err := recorder.Record(ctx, domain.ApplyRequest{AccountID: id, Delta: dec("10"), OperationKey: key}, first)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.True(t, stored.Amount.Equal(dec("10")))
	assertBalance(t, b, id, "10")

	history, err = b.Movements().History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Amount.Equal(dec("10")))
}
