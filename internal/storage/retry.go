package storage

import (
	"context"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/ops"
)

const (
	retryAttempts = 5
	retryBase     = time.Second
	retryFactor   = 2
	retryMax      = 10 * time.Second
)

// withRetry runs fn, retrying transient failures with exponential backoff
// (1s base, factor 2, 10s cap, 5 attempts). Permanent errors return
// immediately.
func withRetry(ctx context.Context, log *ops.Logger, op string, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		log.Warn("transient storage error, retrying",
			"operation", op,
			"attempt", attempt,
			"backoff_ms", backoff.Milliseconds(),
			"error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= retryFactor
		if backoff > retryMax {
			backoff = retryMax
		}
	}
	return err
}
