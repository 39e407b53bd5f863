package service

import (
	"context"
	"log/slog"

	"account-ledger/internal/domain"
)

type HistoryService struct {
	ledger domain.Ledger
	logger *slog.Logger
}

func NewHistoryService(ledger domain.Ledger, logger *slog.Logger) *HistoryService {
	return &HistoryService{ledger: ledger, logger: logger}
}

// History lists the movements touching accountID, newest first. An empty id lists all
// movements. Unknown accounts yield an empty history.
func (s *HistoryService) History(ctx context.Context, accountID string) ([]domain.Movement, error) {
	s.logger.Debug("Listing movements", "account_id", accountID)

	movements, err := s.ledger.History(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if movements == nil {
		movements = []domain.Movement{}
	}
	return movements, nil
}
