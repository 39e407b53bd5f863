package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

const (
	selectAccountQuery = `
		SELECT id, balance, created_at, updated_at
		FROM accounts WHERE id = $1
	`

	ensureAccountQuery = `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, balance, created_at, updated_at
	`

	// The precondition is evaluated by the same statement that writes the balance,
	// so two racing debits can never both pass against a stale read.
	applyDeltaQuery = `
		UPDATE accounts
		SET balance = balance + $2::numeric, updated_at = $3
		WHERE id = $1
		  AND (NOT $4::boolean OR balance + $2::numeric >= 0)
		RETURNING id, balance, created_at, updated_at
	`

	recordOperationQuery = `
		INSERT INTO account_operations (account_id, operation_key, delta, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, operation_key) DO NOTHING
	`

	operationDeltaQuery = `
		SELECT delta FROM account_operations WHERE account_id = $1 AND operation_key = $2
	`

	accountExistsQuery = `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`
)

type accountRepository struct {
	store  *Store
	logger *slog.Logger
}

func NewAccountRepository(store *Store, logger *slog.Logger) domain.AccountStore {
	return &accountRepository{
		store:  store,
		logger: logger,
	}
}

func (r *accountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	account, err := r.scanAccount(r.store.executor.QueryRowContext(ctx, selectAccountQuery, id))
	if err == sql.ErrNoRows {
		r.logger.Warn("Account not found", "account_id", id)
		return nil, errors.ErrAccountNotFound
	}
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get account", err, "account_id", id)
	}
	return account, nil
}

func (r *accountRepository) Ensure(ctx context.Context, id string) (*domain.Account, domain.EnsureOutcome, error) {
	row := r.store.executor.QueryRowContext(ctx, ensureAccountQuery, id, time.Now().UTC())

	account, err := r.scanAccount(row)
	if err == nil {
		r.logger.Info("Account created", "account_id", id)
		return account, domain.Created, nil
	}
	if err != sql.ErrNoRows {
		return nil, domain.Existing, unavailable(r.logger, "Failed to ensure account", err, "account_id", id)
	}

	// Lost the insert race or the account already existed; either way it is there now.
	account, err = r.Get(ctx, id)
	if err != nil {
		return nil, domain.Existing, err
	}
	return account, domain.Existing, nil
}

func (r *accountRepository) ApplyDelta(ctx context.Context, req domain.ApplyRequest) (*domain.ApplyResult, error) {
	if req.OperationKey == "" {
		account, err := r.applyDelta(ctx, r.store.executor, req)
		if err != nil {
			return nil, err
		}
		return &domain.ApplyResult{Account: account, AppliedDelta: req.Delta}, nil
	}

	var result *domain.ApplyResult
	err := r.store.WithTransaction(ctx, func(tx *Store) error {
		// Claiming the key first makes a concurrent duplicate wait on the unique index
		// and then observe the conflict. A rejected delta rolls the claim back.
		res, err := tx.executor.ExecContext(ctx, recordOperationQuery,
			req.AccountID, req.OperationKey, req.Delta.String(), time.Now().UTC())
		if err != nil {
			if pqCode(err) == codeForeignKeyViolation {
				return errors.ErrAccountNotFound
			}
			return unavailable(r.logger, "Failed to record account operation", err,
				"account_id", req.AccountID, "operation_key", req.OperationKey)
		}

		claimed, err := res.RowsAffected()
		if err != nil {
			return unavailable(r.logger, "Failed to get rows affected", err)
		}
		if claimed == 0 {
			result, err = r.replay(ctx, tx.executor, req)
			return err
		}

		account, err := r.applyDelta(ctx, tx.executor, req)
		if err != nil {
			return err
		}
		result = &domain.ApplyResult{Account: account, AppliedDelta: req.Delta}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *accountRepository) applyDelta(ctx context.Context, exec SQLExecutor, req domain.ApplyRequest) (*domain.Account, error) {
	guarded := req.Precondition == domain.SufficientFunds
	row := exec.QueryRowContext(ctx, applyDeltaQuery, req.AccountID, req.Delta.String(), time.Now().UTC(), guarded)

	account, err := r.scanAccount(row)
	switch {
	case err == nil:
		r.logger.Info("Account balance updated",
			"account_id", req.AccountID, "delta", req.Delta, "new_balance", account.Balance)
		return account, nil
	case pqCode(err) == codeCheckViolation:
		return nil, errors.ErrPreconditionFailed
	case err != sql.ErrNoRows:
		return nil, unavailable(r.logger, "Failed to update account balance", err, "account_id", req.AccountID)
	}

	// No row: either the account does not exist or the precondition rejected the delta.
	var exists bool
	if err := exec.QueryRowContext(ctx, accountExistsQuery, req.AccountID).Scan(&exists); err != nil {
		return nil, unavailable(r.logger, "Failed to check account existence", err, "account_id", req.AccountID)
	}
	if !exists {
		r.logger.Warn("No account found to update", "account_id", req.AccountID)
		return nil, errors.ErrAccountNotFound
	}
	r.logger.Info("Balance precondition rejected delta",
		"account_id", req.AccountID, "delta", req.Delta, "precondition", req.Precondition.String())
	return nil, errors.ErrPreconditionFailed
}

func (r *accountRepository) replay(ctx context.Context, exec SQLExecutor, req domain.ApplyRequest) (*domain.ApplyResult, error) {
	var deltaStr string
	if err := exec.QueryRowContext(ctx, operationDeltaQuery, req.AccountID, req.OperationKey).Scan(&deltaStr); err != nil {
		return nil, unavailable(r.logger, "Failed to read applied operation", err,
			"account_id", req.AccountID, "operation_key", req.OperationKey)
	}
	delta, err := decimal.NewFromString(deltaStr)
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}

	account, err := r.scanAccount(exec.QueryRowContext(ctx, selectAccountQuery, req.AccountID))
	if err != nil {
		return nil, unavailable(r.logger, "Failed to read replayed account", err, "account_id", req.AccountID)
	}

	r.logger.Info("Operation already applied", "account_id", req.AccountID, "operation_key", req.OperationKey)
	return &domain.ApplyResult{Account: account, Replayed: true, AppliedDelta: delta}, nil
}

func (r *accountRepository) scanAccount(row *sql.Row) (*domain.Account, error) {
	var account domain.Account
	var balanceStr string

	err := row.Scan(
		&account.ID,
		&balanceStr,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		r.logger.Error("Failed to parse balance", "account_id", account.ID, "balance_str", balanceStr, "error", err)
		return nil, errors.ErrInternal.WithCause(err)
	}

	account.Balance = balance
	return &account, nil
}
