package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MovementType string

const (
	Deposit    MovementType = "deposit"
	Withdrawal MovementType = "withdrawal"
	Transfer   MovementType = "transfer"
)

// Movement is one ledger entry. It is never modified after Append.
type Movement struct {
	ID            uuid.UUID       `json:"id"`
	Type          MovementType    `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	SourceAccount string          `json:"source_account,omitempty"`
	DestAccount   string          `json:"destination_account,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	// Sequence breaks timestamp ties in insertion order.
	Sequence int64 `json:"-"`
}

// Touches reports whether the movement references the account as source or destination.
func (m *Movement) Touches(accountID string) bool {
	return m.SourceAccount == accountID || m.DestAccount == accountID
}

// SameRequest reports whether two movements describe the same request, ignoring the
// fields assigned at append time.
func (m *Movement) SameRequest(other *Movement) bool {
	return m.ID == other.ID &&
		m.Type == other.Type &&
		m.Amount.Equal(other.Amount) &&
		m.SourceAccount == other.SourceAccount &&
		m.DestAccount == other.DestAccount
}

// Newer orders movements by descending timestamp, then descending sequence.
func Newer(a, b *Movement) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Sequence > b.Sequence
}

// Ledger is the append-only movement history.
type Ledger interface {
	// Append stores m, assigning Timestamp and Sequence. Appending an id that already
	// exists returns the stored movement with created=false.
	Append(ctx context.Context, m *Movement) (stored *Movement, created bool, err error)
	// Get returns nil, nil when no movement has the id.
	Get(ctx context.Context, id uuid.UUID) (*Movement, error)
	// History lists movements touching accountID, or all movements when it is empty,
	// newest first.
	History(ctx context.Context, accountID string) ([]Movement, error)
}
