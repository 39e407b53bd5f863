package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID        string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EnsureOutcome reports whether Ensure found the account or created it.
type EnsureOutcome int

const (
	Existing EnsureOutcome = iota
	Created
)

func (o EnsureOutcome) String() string {
	if o == Created {
		return "created"
	}
	return "existing"
}

// Precondition is evaluated atomically with the delta it guards. The set is closed so
// that every store can express it inside its own compare-and-update.
type Precondition int

const (
	Unconditional Precondition = iota
	// SufficientFunds holds when balance + delta stays non-negative.
	SufficientFunds
)

func (p Precondition) Holds(balance, delta decimal.Decimal) bool {
	if p == SufficientFunds {
		return !balance.Add(delta).IsNegative()
	}
	return true
}

func (p Precondition) String() string {
	if p == SufficientFunds {
		return "sufficient_funds"
	}
	return "unconditional"
}

type ApplyRequest struct {
	AccountID    string
	Delta        decimal.Decimal
	Precondition Precondition
	// OperationKey, when set, makes the delta apply at most once per account.
	OperationKey string
}

type ApplyResult struct {
	Account *Account
	// Replayed is true when OperationKey had already been applied and nothing changed.
	Replayed bool
	// AppliedDelta is the delta recorded under OperationKey. For a replay it is the
	// delta of the first application, which may differ from the requested one.
	AppliedDelta decimal.Decimal
}

// AccountStore owns balances. ApplyDelta is the only balance-mutating operation and
// is serialized per account id.
//
// ApplyDelta returns errors.ErrAccountNotFound for unknown ids and
// errors.ErrPreconditionFailed when the precondition rejects the delta.
type AccountStore interface {
	Get(ctx context.Context, id string) (*Account, error)
	Ensure(ctx context.Context, id string) (*Account, EnsureOutcome, error)
	ApplyDelta(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// MovementRecorder applies a delta and appends the movement describing it. Stores that
// support multi-statement transactions do both atomically.
type MovementRecorder interface {
	Record(ctx context.Context, req ApplyRequest, m *Movement) (*ApplyResult, *Movement, error)
}
