package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/camuig/cryptopump/internal/trading"
)

type RetryPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     5 * time.Second,
	}
}

// withRetry runs op until it succeeds, fails permanently or the attempts
// or ctx run out. Only transient errors are retried.
func (e *Executor) withRetry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.InitialWait
	b.MaxInterval = e.retry.MaxWait
	b.MaxElapsedTime = 0

	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !trading.IsTransient(err) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("request failed, retrying", "op", what, "attempt", attempt, "max", attempts, "error", err)
		return err
	}, policy)
}
