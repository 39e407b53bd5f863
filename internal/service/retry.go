package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"account-ledger/internal/errors"
)

// RetryPolicy bounds the retries of the credit half of a transfer.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retryable keeps storage outages retryable and stops on every other error.
func retryable(err error) error {
	if err == nil || errors.Is(err, errors.ErrStorageUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}
