package memory

import (
	"testing"

	"account-ledger/internal/repository/storetest"
)

func TestStoreBehavior(t *testing.T) {
	storetest.Run(t, NewStore())
}
