package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *AppError
		want int
	}{
		{ErrInvalidAmount, http.StatusBadRequest},
		{ErrSameAccount, http.StatusBadRequest},
		{ErrInvalidAccountID, http.StatusBadRequest},
		{ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{ErrAccountNotFound, http.StatusNotFound},
		{ErrTransferNotFound, http.StatusNotFound},
		{ErrIdempotencyKeyReused, http.StatusConflict},
		{ErrTransferCreditPending, http.StatusAccepted},
		{ErrStorageUnavailable, http.StatusServiceUnavailable},
		{ErrInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestWithDetailsDoesNotMutatePredefined(t *testing.T) {
	detailed := ErrInsufficientFunds.WithDetails("account 42")

	assert.Equal(t, "account 42", detailed.Details)
	assert.Empty(t, ErrInsufficientFunds.Details)
	assert.True(t, Is(detailed, ErrInsufficientFunds))
}

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("debit step: %w", ErrInsufficientFunds.WithDetails("x"))

	assert.True(t, Is(wrapped, ErrInsufficientFunds))
	assert.False(t, Is(wrapped, ErrStorageUnavailable))
}

func TestUnavailableHidesCause(t *testing.T) {
	cause := stderrors.New("dial tcp 10.0.0.1:5432: connection refused")
	err := Unavailable(cause)

	assert.Equal(t, "storage_unavailable: storage is temporarily unavailable", err.Error())
	assert.Empty(t, err.Details)
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, Is(err, ErrStorageUnavailable))
}

func TestFrom(t *testing.T) {
	assert.Equal(t, SameAccount, From(ErrSameAccount).Code)

	plain := stderrors.New("boom")
	converted := From(plain)
	assert.Equal(t, InternalError, converted.Code)
	assert.NotContains(t, converted.Message, "boom")
}
