package idempotency

import (
	"context"
	"errors"
	"time"
)

// withRetry runs op, retrying up to retryCount extra attempts with a
// constant delay between them. Cancellation errors are never retried
// and always propagate; everything else is retried uniformly.
func withRetry(ctx context.Context, retryCount int, delay time.Duration, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || isCancellation(err) {
			return err
		}
		if attempt >= retryCount {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
