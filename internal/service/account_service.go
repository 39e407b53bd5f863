package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

type AccountService struct {
	repos     Repositories
	recorder  domain.MovementRecorder
	publisher MovementPublisher
	logger    *slog.Logger
}

func NewAccountService(repos Repositories, publisher MovementPublisher, logger *slog.Logger) *AccountService {
	return &AccountService{
		repos:     repos,
		recorder:  repos.recorder(),
		publisher: publisher,
		logger:    logger,
	}
}

type MutationRequest struct {
	AccountID string
	Amount    decimal.Decimal
	// IdempotencyKey makes retries of the same request return the first result.
	IdempotencyKey string
}

type MutationResult struct {
	Account  *domain.Account
	Movement *domain.Movement
	Replayed bool
}

func validateMutation(req *MutationRequest) error {
	if req.AccountID == "" {
		return errors.ErrInvalidAccountID
	}
	if !req.Amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	return nil
}

// Credit adds amount to the account, creating it with a zero balance first when needed.
func (s *AccountService) Credit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	s.logger.Info("Processing credit", "account_id", req.AccountID, "amount", req.Amount)

	if err := validateMutation(&req); err != nil {
		return nil, err
	}

	movement := &domain.Movement{
		ID:          movementID(domain.Deposit, req.IdempotencyKey),
		Type:        domain.Deposit,
		Amount:      req.Amount,
		DestAccount: req.AccountID,
	}
	if replay, err := s.replay(ctx, req, movement); replay != nil || err != nil {
		return replay, err
	}

	if _, outcome, err := s.repos.Accounts.Ensure(ctx, req.AccountID); err != nil {
		return nil, err
	} else if outcome == domain.Created {
		s.logger.Info("Account opened by credit", "account_id", req.AccountID)
	}

	return s.record(ctx, req, domain.ApplyRequest{
		AccountID:    req.AccountID,
		Delta:        req.Amount,
		Precondition: domain.Unconditional,
		OperationKey: operationKey(domain.Deposit, req.IdempotencyKey),
	}, movement)
}

// Debit removes amount from an existing account. Unknown accounts and balances that
// would go negative both fail with insufficient funds and change nothing.
func (s *AccountService) Debit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	s.logger.Info("Processing debit", "account_id", req.AccountID, "amount", req.Amount)

	if err := validateMutation(&req); err != nil {
		return nil, err
	}

	movement := &domain.Movement{
		ID:            movementID(domain.Withdrawal, req.IdempotencyKey),
		Type:          domain.Withdrawal,
		Amount:        req.Amount,
		SourceAccount: req.AccountID,
	}
	if replay, err := s.replay(ctx, req, movement); replay != nil || err != nil {
		return replay, err
	}

	result, err := s.record(ctx, req, domain.ApplyRequest{
		AccountID:    req.AccountID,
		Delta:        req.Amount.Neg(),
		Precondition: domain.SufficientFunds,
		OperationKey: operationKey(domain.Withdrawal, req.IdempotencyKey),
	}, movement)
	if errors.Is(err, errors.ErrAccountNotFound) || errors.Is(err, errors.ErrPreconditionFailed) {
		s.logger.Info("Debit rejected", "account_id", req.AccountID, "amount", req.Amount)
		return nil, errors.ErrInsufficientFunds
	}
	return result, err
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	return s.repos.Accounts.Get(ctx, accountID)
}

// replay returns the stored result when the idempotency key was already recorded.
func (s *AccountService) replay(ctx context.Context, req MutationRequest, movement *domain.Movement) (*MutationResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}

	existing, err := s.repos.Ledger.Get(ctx, movement.ID)
	if err != nil || existing == nil {
		return nil, err
	}
	if !existing.SameRequest(movement) {
		return nil, errors.ErrIdempotencyKeyReused
	}

	account, err := s.repos.Accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Returning recorded movement for idempotency key", "movement_id", existing.ID)
	return &MutationResult{Account: account, Movement: existing, Replayed: true}, nil
}

func (s *AccountService) record(ctx context.Context, req MutationRequest, apply domain.ApplyRequest, movement *domain.Movement) (*MutationResult, error) {
	applied, stored, err := s.recorder.Record(ctx, apply, movement)
	if err != nil {
		return nil, err
	}
	if !applied.Replayed {
		publish(ctx, s.publisher, s.logger, stored)
	}

	s.logger.Info("Balance updated",
		"account_id", req.AccountID,
		"movement_id", stored.ID,
		"type", stored.Type,
		"new_balance", applied.Account.Balance)
	return &MutationResult{Account: applied.Account, Movement: stored, Replayed: applied.Replayed}, nil
}
