package dataservice

import (
	"context"
	"time"

	"github.com/feedsync/client/internal/models"
)

// RetryConfig controls retries for Data Service calls. Both reads and
// mutations get a small fixed number of attempts with linear backoff;
// what happens after exhaustion differs (reads surface the error,
// mutations roll back their optimistic state).
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryConfig is used by the sync store for all Data Service
// calls.
var DefaultRetryConfig = RetryConfig{
	Attempts: 3,
	Backoff:  250 * time.Millisecond,
}

// Do runs fn, retrying transient failures with linear backoff (1x, 2x,
// 3x the base delay). Typed non-transient errors and context
// cancellation return immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetryConfig
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * cfg.Backoff):
		}
	}
	return lastErr
}

// SelectWithRetry runs q.Select under Do.
func SelectWithRetry(ctx context.Context, q Query, req models.SelectRequest, cfg RetryConfig) (models.SelectResponse, error) {
	var resp models.SelectResponse
	err := Do(ctx, cfg, func() error {
		var callErr error
		resp, callErr = q.Select(ctx, req)
		return callErr
	})
	if err != nil {
		return models.SelectResponse{}, err
	}
	return resp, nil
}
