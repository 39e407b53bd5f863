package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

const (
	transferColumns = `id, source_account_id, destination_account_id, amount, status, attempts, last_error, created_at, updated_at`

	openTransferQuery = `
		INSERT INTO pending_transfers
		(id, source_account_id, destination_account_id, amount, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + transferColumns

	selectTransferQuery = `SELECT ` + transferColumns + ` FROM pending_transfers WHERE id = $1`

	advanceTransferQuery = `
		UPDATE pending_transfers
		SET status = $3,
		    updated_at = $4,
		    last_error = CASE WHEN $3 = 'completed' THEN NULL ELSE last_error END
		WHERE id = $1 AND status = $2
	`

	recordTransferFailureQuery = `
		UPDATE pending_transfers SET last_error = $2, updated_at = $3 WHERE id = $1
	`

	// Rows locked by another claimer are skipped, so concurrent repairers never
	// lease the same transfer.
	claimStaleTransfersQuery = `
		UPDATE pending_transfers
		SET updated_at = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM pending_transfers
			WHERE status IN ('pending', 'debited') AND updated_at < $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + transferColumns
)

type transferRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransferRepository(db SQLExecutor, logger *slog.Logger) domain.TransferJournal {
	return &transferRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transferRepository) Open(ctx context.Context, t *domain.PendingTransfer) (*domain.PendingTransfer, bool, error) {
	rows, err := r.db.QueryContext(ctx, openTransferQuery,
		t.ID,
		t.SourceAccountID,
		t.DestinationAccountID,
		t.Amount.String(),
		string(t.Status),
		time.Now().UTC(),
	)
	if err != nil {
		return nil, false, unavailable(r.logger, "Failed to open transfer", err, "transfer_id", t.ID)
	}

	opened, err := r.scanTransfers(rows)
	if err != nil {
		return nil, false, err
	}
	if len(opened) == 1 {
		r.logger.Info("Transfer opened", "transfer_id", t.ID)
		return &opened[0], true, nil
	}

	existing, err := r.Get(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *transferRepository) Get(ctx context.Context, id uuid.UUID) (*domain.PendingTransfer, error) {
	rows, err := r.db.QueryContext(ctx, selectTransferQuery, id)
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get transfer", err, "transfer_id", id)
	}
	transfers, err := r.scanTransfers(rows)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, errors.ErrTransferNotFound
	}
	return &transfers[0], nil
}

func (r *transferRepository) Advance(ctx context.Context, id uuid.UUID, from, to domain.TransferStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, advanceTransferQuery, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, unavailable(r.logger, "Failed to update transfer status", err, "transfer_id", id, "status", to)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, unavailable(r.logger, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	r.logger.Info("Transfer status updated", "transfer_id", id, "from", from, "to", to)
	return true, nil
}

func (r *transferRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	result, err := r.db.ExecContext(ctx, recordTransferFailureQuery, id, reason, time.Now().UTC())
	if err != nil {
		return unavailable(r.logger, "Failed to record transfer failure", err, "transfer_id", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable(r.logger, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.ErrTransferNotFound
	}
	return nil
}

func (r *transferRepository) ClaimStale(ctx context.Context, staleBefore time.Time, limit int) ([]domain.PendingTransfer, error) {
	rows, err := r.db.QueryContext(ctx, claimStaleTransfersQuery, time.Now().UTC(), staleBefore, limit)
	if err != nil {
		return nil, unavailable(r.logger, "Failed to claim stale transfers", err)
	}
	return r.scanTransfers(rows)
}

func (r *transferRepository) scanTransfers(rows *sql.Rows) ([]domain.PendingTransfer, error) {
	defer rows.Close()

	transfers := make([]domain.PendingTransfer, 0)
	for rows.Next() {
		var (
			t         domain.PendingTransfer
			amountStr string
			status    string
			lastError sql.NullString
		)
		err := rows.Scan(
			&t.ID,
			&t.SourceAccountID,
			&t.DestinationAccountID,
			&amountStr,
			&status,
			&t.Attempts,
			&lastError,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, unavailable(r.logger, "Failed to scan transfer", err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
		t.Amount = amount
		t.Status = domain.TransferStatus(status)
		t.LastError = lastError.String
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(r.logger, "Failed to iterate transfers", err)
	}
	return transfers, nil
}
