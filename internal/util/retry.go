package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent wraps err so that Retry returns it immediately instead of trying
// again.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors wrapped with Permanent stop the loop at once.
// The function respects context cancellation between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = 30 * time.Second
	b.Reset()

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		// Don't sleep after the last failed attempt.
		if attempt == maxAttempts-1 {
			break
		}
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return err
}
