package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"account-ledger/internal/domain"
)

type Ledger struct {
	mu        sync.RWMutex
	movements []domain.Movement
	byID      map[uuid.UUID]int
	seq       int64
	last      time.Time
	now       func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		byID: make(map[uuid.UUID]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.Ledger = (*Ledger)(nil)

func (l *Ledger) Append(_ context.Context, m *domain.Movement) (*domain.Movement, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.byID[m.ID]; ok {
		existing := l.movements[i]
		return &existing, false, nil
	}

	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	l.seq++

	stored := *m
	stored.Timestamp = ts
	stored.Sequence = l.seq

	l.byID[stored.ID] = len(l.movements)
	l.movements = append(l.movements, stored)

	return &stored, true, nil
}

func (l *Ledger) Get(_ context.Context, id uuid.UUID) (*domain.Movement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.byID[id]
	if !ok {
		return nil, nil
	}
	m := l.movements[i]
	return &m, nil
}

// History walks the log backwards; append order already matches timestamp order.
func (l *Ledger) History(_ context.Context, accountID string) ([]domain.Movement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Movement, 0)
	for i := len(l.movements) - 1; i >= 0; i-- {
		m := l.movements[i]
		if accountID == "" || m.Touches(accountID) {
			out = append(out, m)
		}
	}
	return out, nil
}
