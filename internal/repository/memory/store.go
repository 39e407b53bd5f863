package memory

import (
	"context"

	"account-ledger/internal/domain"
)

// Store bundles the in-memory account store, ledger and transfer journal.
type Store struct {
	accounts  *AccountStore
	ledger    *Ledger
	transfers *TransferJournal
}

func NewStore() *Store {
	return &Store{
		accounts:  NewAccountStore(),
		ledger:    NewLedger(),
		transfers: NewTransferJournal(),
	}
}

func (s *Store) Accounts() domain.AccountStore     { return s.accounts }
func (s *Store) Movements() domain.Ledger          { return s.ledger }
func (s *Store) Transfers() domain.TransferJournal { return s.transfers }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
