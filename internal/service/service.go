// Package service implements the balance mutator, the transfer coordinator and the
// history query on top of the storage interfaces in domain.
package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// Namespaces for ids derived from idempotency keys.
var (
	movementNamespace = uuid.MustParse("6f1c4f0e-93a4-4d53-9a4f-3e2b8f0d51a1")
	transferNamespace = uuid.MustParse("b8e2a7c3-0d5e-4c1b-8f6a-2a9d7e4c3b10")
)

// Repositories bundles the storage a service works against.
type Repositories struct {
	Accounts  domain.AccountStore
	Ledger    domain.Ledger
	Transfers domain.TransferJournal
	// Recorder applies a delta together with its movement. When nil the delta is
	// applied first and the movement appended after it.
	Recorder domain.MovementRecorder
}

func (r Repositories) recorder() domain.MovementRecorder {
	if r.Recorder != nil {
		return r.Recorder
	}
	return SequentialRecorder(r.Accounts, r.Ledger)
}

// MovementPublisher announces newly recorded movements.
type MovementPublisher interface {
	Publish(ctx context.Context, m *domain.Movement) error
}

func publish(ctx context.Context, publisher MovementPublisher, logger *slog.Logger, m *domain.Movement) {
	if publisher == nil || m == nil {
		return
	}
	if err := publisher.Publish(ctx, m); err != nil {
		logger.Warn("Failed to publish movement", "movement_id", m.ID, "type", m.Type, "error", err)
	}
}

type sequentialRecorder struct {
	accounts domain.AccountStore
	ledger   domain.Ledger
}

// SequentialRecorder returns a recorder for stores without multi-document transactions.
// A crash between the two steps leaves a balance change without its movement; callers
// using an operation key repair it by retrying, since the delta replays and the append
// is keyed by movement id.
func SequentialRecorder(accounts domain.AccountStore, ledger domain.Ledger) domain.MovementRecorder {
	return &sequentialRecorder{accounts: accounts, ledger: ledger}
}

func (r *sequentialRecorder) Record(ctx context.Context, req domain.ApplyRequest, m *domain.Movement) (*domain.ApplyResult, *domain.Movement, error) {
	result, err := r.accounts.ApplyDelta(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	// The key already moved a different amount; the movement must not be written.
	if result.Replayed && !result.AppliedDelta.Equal(req.Delta) {
		return nil, nil, errors.ErrIdempotencyKeyReused
	}

	stored, created, err := r.ledger.Append(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	if !created && !stored.SameRequest(m) {
		return nil, nil, errors.ErrIdempotencyKeyReused
	}
	return result, stored, nil
}

func movementID(t domain.MovementType, idempotencyKey string) uuid.UUID {
	if idempotencyKey == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(movementNamespace, []byte(string(t)+":"+idempotencyKey))
}

func operationKey(t domain.MovementType, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return string(t) + ":" + idempotencyKey
}
