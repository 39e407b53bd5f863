package service

import (
	"context"
	"log/slog"
	"time"

	"account-ledger/internal/domain"
)

type RepairerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a transfer may sit unfinished before it is claimed.
	StaleAfter time.Duration
	BatchSize  int
}

func DefaultRepairerConfig() RepairerConfig {
	return RepairerConfig{
		Interval:   5 * time.Second,
		StaleAfter: 30 * time.Second,
		BatchSize:  50,
	}
}

// TransferRepairer drives transfers left pending or debited to a final status.
type TransferRepairer struct {
	transfers   domain.TransferJournal
	coordinator *TransactionService
	cfg         RepairerConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewTransferRepairer(
	transfers domain.TransferJournal,
	coordinator *TransactionService,
	cfg RepairerConfig,
	logger *slog.Logger,
) *TransferRepairer {
	return &TransferRepairer{
		transfers:   transfers,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run repairs on every tick until ctx is done.
func (r *TransferRepairer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Transfer repairer started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Transfer repairer stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RepairOnce(ctx); err != nil {
				r.logger.Error("Transfer repair pass failed", "error", err)
			}
		}
	}
}

// RepairOnce claims one batch of stale transfers and resumes each of them. It returns
// how many reached a final status.
func (r *TransferRepairer) RepairOnce(ctx context.Context) (int, error) {
	claimed, err := r.transfers.ClaimStale(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	finished := 0
	for _, t := range claimed {
		status, err := r.coordinator.Resume(ctx, t)
		if err != nil {
			r.logger.Warn("Transfer still unfinished", "transfer_id", t.ID, "status", status, "error", err)
			continue
		}
		r.logger.Info("Transfer repaired", "transfer_id", t.ID, "status", status)
		finished++
	}
	return finished, nil
}
