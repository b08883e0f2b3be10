package processor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds every outbound call: each attempt gets its own timeout and only
// ambiguous failures are retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, Timeout: 10 * time.Second}
}

func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		err := op(callCtx)
		if err != nil && !IsAmbiguous(err) {
			return backoff.Permanent(err)
		}
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
