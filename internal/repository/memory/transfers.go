package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

type TransferJournal struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*domain.PendingTransfer
	now       func() time.Time
}

func NewTransferJournal() *TransferJournal {
	return &TransferJournal{
		transfers: make(map[uuid.UUID]*domain.PendingTransfer),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.TransferJournal = (*TransferJournal)(nil)

func (j *TransferJournal) Open(_ context.Context, t *domain.PendingTransfer) (*domain.PendingTransfer, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.transfers[t.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := j.now()
	stored := *t
	stored.CreatedAt = now
	stored.UpdatedAt = now
	j.transfers[t.ID] = &stored

	cp := stored
	return &cp, true, nil
}

func (j *TransferJournal) Get(_ context.Context, id uuid.UUID) (*domain.PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.transfers[id]
	if !ok {
		return nil, errors.ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (j *TransferJournal) Advance(_ context.Context, id uuid.UUID, from, to domain.TransferStatus) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.transfers[id]
	if !ok {
		return false, errors.ErrTransferNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = j.now()
	if to == domain.TransferCompleted {
		t.LastError = ""
	}
	return true, nil
}

func (j *TransferJournal) RecordFailure(_ context.Context, id uuid.UUID, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.transfers[id]
	if !ok {
		return errors.ErrTransferNotFound
	}
	t.LastError = reason
	t.UpdatedAt = j.now()
	return nil
}

func (j *TransferJournal) ClaimStale(_ context.Context, staleBefore time.Time, limit int) ([]domain.PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stale []*domain.PendingTransfer
	for _, t := range j.transfers {
		if t.Status.Final() || !t.UpdatedAt.Before(staleBefore) {
			continue
		}
		stale = append(stale, t)
	}
	sort.Slice(stale, func(a, b int) bool {
		return stale[a].CreatedAt.Before(stale[b].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	now := j.now()
	claimed := make([]domain.PendingTransfer, 0, len(stale))
	for _, t := range stale {
		t.UpdatedAt = now
		t.Attempts++
		claimed = append(claimed, *t)
	}
	return claimed, nil
}
