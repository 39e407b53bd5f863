package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferDebited   TransferStatus = "debited"
	TransferCompleted TransferStatus = "completed"
	TransferRejected  TransferStatus = "rejected"
	// TransferAbandoned marks a transfer whose debit never committed.
	TransferAbandoned TransferStatus = "abandoned"
)

// Final reports whether no further work is expected for the status.
func (s TransferStatus) Final() bool {
	switch s {
	case TransferCompleted, TransferRejected, TransferAbandoned:
		return true
	}
	return false
}

// PendingTransfer is the durable record of a transfer in flight.
type PendingTransfer struct {
	ID                   uuid.UUID       `json:"transfer_id"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Status               TransferStatus  `json:"status"`
	Attempts             int             `json:"attempts"`
	LastError            string          `json:"last_error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (t *PendingTransfer) DebitKey() string  { return "transfer:" + t.ID.String() + ":debit" }
func (t *PendingTransfer) CreditKey() string { return "transfer:" + t.ID.String() + ":credit" }

// SameRequest compares the request fields of two transfer records.
func (t *PendingTransfer) SameRequest(other *PendingTransfer) bool {
	return t.SourceAccountID == other.SourceAccountID &&
		t.DestinationAccountID == other.DestinationAccountID &&
		t.Amount.Equal(other.Amount)
}

type TransferJournal interface {
	// Open inserts t. When the id already exists it returns the stored record with
	// created=false.
	Open(ctx context.Context, t *PendingTransfer) (stored *PendingTransfer, created bool, err error)
	// Get returns errors.ErrTransferNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*PendingTransfer, error)
	// Advance moves the record from one status to another and reports whether it did.
	Advance(ctx context.Context, id uuid.UUID, from, to TransferStatus) (bool, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
	// ClaimStale leases up to limit unfinished transfers last touched before staleBefore.
	ClaimStale(ctx context.Context, staleBefore time.Time, limit int) ([]PendingTransfer, error)
}
