package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryTransient runs op until it succeeds, retryable reports false for its error,
// or maxRetries additional attempts have been made.
func retryTransient(ctx context.Context, maxRetries int, initial time.Duration, retryable func(error) bool, onRetry func(error, time.Duration), op func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 20 * initial
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	})
}
