package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidAmount         ErrorCode = "invalid_amount"
	InvalidInput          ErrorCode = "invalid_input"
	SameAccount           ErrorCode = "same_account"
	InsufficientFunds     ErrorCode = "insufficient_funds"
	AccountNotFound       ErrorCode = "account_not_found"
	TransferNotFound      ErrorCode = "transfer_not_found"
	IdempotencyKeyReused  ErrorCode = "idempotency_key_reused"
	StorageUnavailable    ErrorCode = "storage_unavailable"
	TransferCreditPending ErrorCode = "transfer_credit_pending"
	InternalError         ErrorCode = "internal_error"

	// PreconditionFailed is returned by account stores when ApplyDelta rejects a delta.
	// Services translate it before it reaches a caller.
	PreconditionFailed ErrorCode = "precondition_failed"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	cause error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy of e carrying details, leaving predefined errors untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause returns a copy of e wrapping cause. The cause is never serialized.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.cause = cause
	return &cp
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidAmount, InvalidInput, SameAccount:
		return http.StatusBadRequest
	case AccountNotFound, TransferNotFound:
		return http.StatusNotFound
	case IdempotencyKeyReused:
		return http.StatusConflict
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case TransferCreditPending:
		return http.StatusAccepted
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors for common cases
var (
	ErrInvalidAmount         = NewAppError(InvalidAmount, "amount must be greater than zero")
	ErrInvalidAccountID      = NewAppError(InvalidInput, "account id must not be empty")
	ErrSameAccount           = NewAppError(SameAccount, "source and destination accounts must differ")
	ErrInsufficientFunds     = NewAppError(InsufficientFunds, "insufficient funds")
	ErrAccountNotFound       = NewAppError(AccountNotFound, "account not found")
	ErrTransferNotFound      = NewAppError(TransferNotFound, "transfer not found")
	ErrIdempotencyKeyReused  = NewAppError(IdempotencyKeyReused, "idempotency key was already used for a different request")
	ErrStorageUnavailable    = NewAppError(StorageUnavailable, "storage is temporarily unavailable")
	ErrTransferCreditPending = NewAppError(TransferCreditPending, "source was debited, destination credit is pending")
	ErrPreconditionFailed    = NewAppError(PreconditionFailed, "balance precondition failed")
	ErrInternal              = NewAppError(InternalError, "an unexpected error occurred")
)

// Unavailable wraps a storage failure so callers see storage_unavailable only.
func Unavailable(cause error) *AppError {
	return ErrStorageUnavailable.WithCause(cause)
}

// Is and As forward to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// From converts any error into an AppError, hiding non-application errors.
func From(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.WithCause(err)
}
