package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	// RetryBase is the first backoff between transaction attempts.
	RetryBase = 10 * time.Millisecond
	// RetryCap bounds any single backoff.
	RetryCap = 500 * time.Millisecond
)

// Retryable marks err as a commit conflict that warrants another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		err = fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return retry.RetryableError(err)
}

// RunWithRetry calls attempt until it succeeds, returns an error not marked
// Retryable, or maxAttempts attempts have conflicted. Exhaustion yields an
// error wrapping ErrConflict.
func RunWithRetry(ctx context.Context, maxAttempts int, attempt func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	b := retry.NewExponential(RetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(RetryCap, b)
	b = retry.WithMaxRetries(uint64(maxAttempts-1), b)

	tries := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		return attempt(ctx)
	})
	if err != nil && errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w after %d attempts", err, tries)
	}
	return err
}
