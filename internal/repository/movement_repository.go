package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

const (
	movementColumns = `id, type, amount, source_account, dest_account, occurred_at, seq`

	insertMovementQuery = `
		INSERT INTO movements (id, type, amount, source_account, dest_account)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING occurred_at, seq
	`

	selectMovementQuery = `SELECT ` + movementColumns + ` FROM movements WHERE id = $1`

	allMovementsQuery = `
		SELECT ` + movementColumns + `
		FROM movements
		ORDER BY occurred_at DESC, seq DESC
	`

	accountMovementsQuery = `
		SELECT ` + movementColumns + `
		FROM movements
		WHERE source_account = $1 OR dest_account = $1
		ORDER BY occurred_at DESC, seq DESC
	`
)

type movementRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewMovementRepository(db SQLExecutor, logger *slog.Logger) domain.Ledger {
	return &movementRepository{
		db:     db,
		logger: logger,
	}
}

func (r *movementRepository) Append(ctx context.Context, m *domain.Movement) (*domain.Movement, bool, error) {
	stored := *m

	err := r.db.QueryRowContext(ctx, insertMovementQuery,
		m.ID,
		string(m.Type),
		m.Amount.String(),
		nullString(m.SourceAccount),
		nullString(m.DestAccount),
	).Scan(&stored.Timestamp, &stored.Sequence)

	if err == sql.ErrNoRows {
		existing, err := r.Get(ctx, m.ID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.ErrInternal.WithDetails("movement vanished after conflict")
		}
		r.logger.Info("Movement already recorded", "movement_id", m.ID)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, unavailable(r.logger, "Failed to append movement", err,
			"movement_id", m.ID, "type", m.Type, "amount", m.Amount)
	}

	r.logger.Info("Movement recorded", "movement_id", stored.ID, "type", stored.Type, "amount", stored.Amount)
	return &stored, true, nil
}

func (r *movementRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Movement, error) {
	rows, err := r.db.QueryContext(ctx, selectMovementQuery, id)
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get movement", err, "movement_id", id)
	}
	movements, err := r.scanMovements(rows)
	if err != nil {
		return nil, err
	}
	if len(movements) == 0 {
		return nil, nil
	}
	return &movements[0], nil
}

func (r *movementRepository) History(ctx context.Context, accountID string) ([]domain.Movement, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if accountID == "" {
		rows, err = r.db.QueryContext(ctx, allMovementsQuery)
	} else {
		rows, err = r.db.QueryContext(ctx, accountMovementsQuery, accountID)
	}
	if err != nil {
		return nil, unavailable(r.logger, "Failed to query movements", err, "account_id", accountID)
	}
	return r.scanMovements(rows)
}

func (r *movementRepository) scanMovements(rows *sql.Rows) ([]domain.Movement, error) {
	defer rows.Close()

	movements := make([]domain.Movement, 0)
	for rows.Next() {
		var (
			m         domain.Movement
			kind      string
			amountStr string
			source    sql.NullString
			dest      sql.NullString
		)
		if err := rows.Scan(&m.ID, &kind, &amountStr, &source, &dest, &m.Timestamp, &m.Sequence); err != nil {
			return nil, unavailable(r.logger, "Failed to scan movement", err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}

		m.Type = domain.MovementType(kind)
		m.Amount = amount
		m.SourceAccount = source.String
		m.DestAccount = dest.String
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(r.logger, "Failed to iterate movements", err)
	}
	return movements, nil
}
