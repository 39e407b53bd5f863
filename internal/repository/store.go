package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db       *sql.DB
	executor SQLExecutor
	logger   *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		executor: db,
		logger:   logger,
	}
}

// Accounts returns an AccountStore using the current executor
func (s *Store) Accounts() domain.AccountStore {
	return NewAccountRepository(s, s.logger)
}

// Movements returns the Ledger using the current executor
func (s *Store) Movements() domain.Ledger {
	return NewMovementRepository(s.executor, s.logger)
}

// Transfers returns the TransferJournal using the current executor
func (s *Store) Transfers() domain.TransferJournal {
	return NewTransferRepository(s.executor, s.logger)
}

var _ domain.MovementRecorder = (*Store)(nil)

// Record applies the delta and appends the movement in one transaction, so a committed
// balance change always has its ledger entry.
func (s *Store) Record(ctx context.Context, req domain.ApplyRequest, m *domain.Movement) (*domain.ApplyResult, *domain.Movement, error) {
	var (
		result *domain.ApplyResult
		stored *domain.Movement
	)
	err := s.WithTransaction(ctx, func(tx *Store) error {
		var err error
		if result, err = tx.Accounts().ApplyDelta(ctx, req); err != nil {
			return err
		}
		if result.Replayed && !result.AppliedDelta.Equal(req.Delta) {
			return errors.ErrIdempotencyKeyReused
		}
		var created bool
		if stored, created, err = tx.Movements().Append(ctx, m); err != nil {
			return err
		}
		if !created && !stored.SameRequest(m) {
			return errors.ErrIdempotencyKeyReused
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, stored, nil
}

func (s *Store) inTransaction() bool {
	_, ok := s.executor.(*sql.Tx)
	return ok
}

// WithTransaction executes fn within a database transaction. Calls made on a Store
// that is already transactional join the running transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(*Store) error) error {
	if s.inTransaction() {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(s.logger, "Failed to begin transaction", err)
	}

	txStore := &Store{
		db:       s.db,
		executor: tx,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable(s.logger, "Failed to commit transaction", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Unavailable(err)
	}
	return nil
}
