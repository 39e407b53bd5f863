// Package memory holds process-local implementations of the account store, ledger and
// transfer journal. Balances are serialized per account, never globally.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

type accountEntry struct {
	mu      sync.Mutex
	account domain.Account
	applied map[string]decimal.Decimal
}

func (e *accountEntry) snapshot() *domain.Account {
	cp := e.account
	return &cp
}

type AccountStore struct {
	accounts sync.Map // string -> *accountEntry
}

func NewAccountStore() *AccountStore {
	return &AccountStore{}
}

var _ domain.AccountStore = (*AccountStore)(nil)

func (s *AccountStore) entry(id string) (*accountEntry, bool) {
	v, ok := s.accounts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*accountEntry), true
}

func (s *AccountStore) Get(_ context.Context, id string) (*domain.Account, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, errors.ErrAccountNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (s *AccountStore) Ensure(_ context.Context, id string) (*domain.Account, domain.EnsureOutcome, error) {
	now := time.Now().UTC()
	fresh := &accountEntry{
		account: domain.Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now},
		applied: make(map[string]decimal.Decimal),
	}

	v, loaded := s.accounts.LoadOrStore(id, fresh)
	e := v.(*accountEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if loaded {
		return e.snapshot(), domain.Existing, nil
	}
	return e.snapshot(), domain.Created, nil
}

func (s *AccountStore) ApplyDelta(_ context.Context, req domain.ApplyRequest) (*domain.ApplyResult, error) {
	e, ok := s.entry(req.AccountID)
	if !ok {
		return nil, errors.ErrAccountNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.OperationKey != "" {
		if delta, done := e.applied[req.OperationKey]; done {
			return &domain.ApplyResult{Account: e.snapshot(), Replayed: true, AppliedDelta: delta}, nil
		}
	}

	if !req.Precondition.Holds(e.account.Balance, req.Delta) {
		return nil, errors.ErrPreconditionFailed
	}
	next := e.account.Balance.Add(req.Delta)
	if next.IsNegative() {
		return nil, errors.ErrPreconditionFailed
	}

	e.account.Balance = next
	e.account.UpdatedAt = time.Now().UTC()
	if req.OperationKey != "" {
		e.applied[req.OperationKey] = req.Delta
	}

	return &domain.ApplyResult{Account: e.snapshot(), AppliedDelta: req.Delta}, nil
}
