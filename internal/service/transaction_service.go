package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// TransactionService coordinates transfers between accounts. A transfer debits the
// source, then ensures and credits the destination and appends one transfer movement.
// Each step is keyed by the transfer id, so any step can be repeated safely and a
// transfer interrupted after its debit is resumed instead of rolled back.
type TransactionService struct {
	repos     Repositories
	recorder  domain.MovementRecorder
	publisher MovementPublisher
	retry     RetryPolicy
	logger    *slog.Logger
}

func NewTransactionService(
	repos Repositories,
	publisher MovementPublisher,
	retry RetryPolicy,
	logger *slog.Logger,
) *TransactionService {
	return &TransactionService{
		repos:     repos,
		recorder:  repos.recorder(),
		publisher: publisher,
		retry:     retry,
		logger:    logger,
	}
}

type TransferRequest struct {
	SourceAccountID      string
	DestinationAccountID string
	Amount               decimal.Decimal
	IdempotencyKey       string
}

type TransferResult struct {
	Transfer *domain.PendingTransfer
	Movement *domain.Movement
	Replayed bool
}

func (s *TransactionService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	s.logger.Info("Processing transfer",
		"source_account_id", req.SourceAccountID,
		"destination_account_id", req.DestinationAccountID,
		"amount", req.Amount)

	if err := s.validateTransfer(&req); err != nil {
		return nil, err
	}

	id := uuid.New()
	if req.IdempotencyKey != "" {
		id = uuid.NewSHA1(transferNamespace, []byte(req.IdempotencyKey))
	}

	record := &domain.PendingTransfer{
		ID:                   id,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Status:               domain.TransferPending,
	}
	stored, created, err := s.repos.Transfers.Open(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		if !stored.SameRequest(record) {
			return nil, errors.ErrIdempotencyKeyReused
		}
		s.logger.Info("Resuming transfer for idempotency key", "transfer_id", stored.ID, "status", stored.Status)
	}

	result, err := s.drive(ctx, stored)
	if err != nil {
		return nil, err
	}
	result.Replayed = !created
	return result, nil
}

func (s *TransactionService) GetTransfer(ctx context.Context, transferID string) (*domain.PendingTransfer, error) {
	id, err := uuid.Parse(transferID)
	if err != nil {
		return nil, errors.NewAppError(errors.InvalidInput, "transfer id must be a UUID")
	}
	return s.repos.Transfers.Get(ctx, id)
}

// Resume continues an unfinished transfer claimed by the repairer. A pending transfer
// whose debit cannot be confirmed is fenced: a zero delta is recorded under the debit
// key so a late debit replays as a no-op, and the transfer is abandoned.
func (s *TransactionService) Resume(ctx context.Context, t domain.PendingTransfer) (domain.TransferStatus, error) {
	if t.Status == domain.TransferPending {
		if err := s.fence(ctx, &t); err != nil {
			return t.Status, err
		}
	}
	if t.Status == domain.TransferRejected || t.Status == domain.TransferAbandoned {
		return t.Status, nil
	}

	result, err := s.drive(ctx, &t)
	if err != nil {
		return t.Status, err
	}
	return result.Transfer.Status, nil
}

func (s *TransactionService) validateTransfer(req *TransferRequest) error {
	if req.SourceAccountID == "" || req.DestinationAccountID == "" {
		return errors.ErrInvalidAccountID
	}
	if !req.Amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return errors.ErrSameAccount
	}
	return nil
}

// drive advances t from its current status until it is final or a step fails.
func (s *TransactionService) drive(ctx context.Context, t *domain.PendingTransfer) (*TransferResult, error) {
	for {
		switch t.Status {
		case domain.TransferPending:
			if err := s.debit(ctx, t); err != nil {
				return nil, err
			}

		case domain.TransferDebited:
			movement, err := s.creditWithRetry(ctx, t)
			if err != nil {
				return nil, err
			}
			t.Status = domain.TransferCompleted
			s.logger.Info("Transfer completed successfully", "transfer_id", t.ID)
			return &TransferResult{Transfer: t, Movement: movement}, nil

		case domain.TransferCompleted:
			movement, err := s.repos.Ledger.Get(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			return &TransferResult{Transfer: t, Movement: movement}, nil

		case domain.TransferRejected:
			return nil, errors.ErrInsufficientFunds

		case domain.TransferAbandoned:
			return nil, errors.ErrStorageUnavailable.WithDetails("transfer was abandoned before its debit committed")

		default:
			s.logger.Error("Unknown transfer status", "transfer_id", t.ID, "status", t.Status)
			return nil, errors.ErrInternal
		}
	}
}

// debit takes the amount from the source and moves t to debited, or to rejected when
// the source cannot cover it. On return t.Status reflects the journal.
func (s *TransactionService) debit(ctx context.Context, t *domain.PendingTransfer) error {
	applied, err := s.repos.Accounts.ApplyDelta(ctx, domain.ApplyRequest{
		AccountID:    t.SourceAccountID,
		Delta:        t.Amount.Neg(),
		Precondition: domain.SufficientFunds,
		OperationKey: t.DebitKey(),
	})
	if errors.Is(err, errors.ErrAccountNotFound) || errors.Is(err, errors.ErrPreconditionFailed) {
		s.logger.Info("Transfer rejected", "transfer_id", t.ID, "source_account_id", t.SourceAccountID)
		return s.advance(ctx, t, domain.TransferRejected)
	}
	if err != nil {
		return err
	}
	if applied.Replayed && applied.AppliedDelta.IsZero() {
		s.logger.Warn("Transfer debit was fenced by the repairer", "transfer_id", t.ID)
		return s.advance(ctx, t, domain.TransferAbandoned)
	}

	if err := s.advance(ctx, t, domain.TransferDebited); err != nil {
		s.logger.Error("Source debited but transfer status not recorded", "transfer_id", t.ID, "error", err)
		return errors.ErrTransferCreditPending.WithDetails(t.ID.String()).WithCause(err)
	}
	return nil
}

// fence decides the fate of a pending transfer whose coordinator went away.
func (s *TransactionService) fence(ctx context.Context, t *domain.PendingTransfer) error {
	applied, err := s.repos.Accounts.ApplyDelta(ctx, domain.ApplyRequest{
		AccountID:    t.SourceAccountID,
		Delta:        decimal.Zero,
		Precondition: domain.Unconditional,
		OperationKey: t.DebitKey(),
	})
	switch {
	case errors.Is(err, errors.ErrAccountNotFound):
		// no account, so no debit
	case err != nil:
		return err
	case applied.Replayed && !applied.AppliedDelta.IsZero():
		s.logger.Info("Found committed debit for stale transfer", "transfer_id", t.ID)
		return s.advance(ctx, t, domain.TransferDebited)
	}

	s.logger.Info("Abandoning transfer without a committed debit", "transfer_id", t.ID)
	return s.advance(ctx, t, domain.TransferAbandoned)
}

// advance moves t to the next status. When another worker moved it first, t is
// reloaded so the caller continues from the stored status.
func (s *TransactionService) advance(ctx context.Context, t *domain.PendingTransfer, to domain.TransferStatus) error {
	ok, err := s.repos.Transfers.Advance(ctx, t.ID, t.Status, to)
	if err != nil {
		return err
	}
	if ok {
		t.Status = to
		t.UpdatedAt = time.Now().UTC()
		return nil
	}

	current, err := s.repos.Transfers.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	*t = *current
	return nil
}

// creditWithRetry performs the credit half, retrying storage outages with exponential
// backoff. When the retries run out the transfer stays debited for the repairer and the
// caller gets transfer_credit_pending.
func (s *TransactionService) creditWithRetry(ctx context.Context, t *domain.PendingTransfer) (*domain.Movement, error) {
	var movement *domain.Movement

	operation := func() error {
		m, err := s.credit(ctx, t)
		if err != nil {
			return retryable(err)
		}
		movement = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Transfer credit failed, retrying", "transfer_id", t.ID, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, s.retry.backOff(ctx), notify); err != nil {
		s.logger.Error("Transfer credit pending", "transfer_id", t.ID, "error", err)
		if recordErr := s.repos.Transfers.RecordFailure(ctx, t.ID, errors.From(err).Error()); recordErr != nil {
			s.logger.Error("Failed to record transfer failure", "transfer_id", t.ID, "error", recordErr)
		}
		return nil, errors.ErrTransferCreditPending.WithDetails(t.ID.String()).WithCause(err)
	}
	return movement, nil
}

func (s *TransactionService) credit(ctx context.Context, t *domain.PendingTransfer) (*domain.Movement, error) {
	if _, _, err := s.repos.Accounts.Ensure(ctx, t.DestinationAccountID); err != nil {
		return nil, err
	}

	movement := &domain.Movement{
		ID:            t.ID,
		Type:          domain.Transfer,
		Amount:        t.Amount,
		SourceAccount: t.SourceAccountID,
		DestAccount:   t.DestinationAccountID,
	}
	applied, stored, err := s.recorder.Record(ctx, domain.ApplyRequest{
		AccountID:    t.DestinationAccountID,
		Delta:        t.Amount,
		Precondition: domain.Unconditional,
		OperationKey: t.CreditKey(),
	}, movement)
	if err != nil {
		return nil, err
	}

	if _, err := s.repos.Transfers.Advance(ctx, t.ID, domain.TransferDebited, domain.TransferCompleted); err != nil {
		return nil, err
	}

	if !applied.Replayed {
		publish(ctx, s.publisher, s.logger, stored)
	}
	return stored, nil
}
