package swarm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soomehta/hive/internal/store"
)

const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// permanent errors describe state, not infrastructure, and are never retried.
func permanent(err error) bool {
	return errors.Is(err, store.ErrSessionFinished) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrRunFinished) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn up to retryAttempts times with exponential backoff.
func retry[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	wait := retryBackoff
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || permanent(err) || attempt == retryAttempts {
			return v, err
		}
		slog.Warn("store operation failed, retrying", "op", op, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func retryDo(ctx context.Context, op string, fn func() error) error {
	_, err := retry(ctx, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
