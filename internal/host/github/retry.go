package github

import (
	"context"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/homu-dev/homu/internal/host"
)

// RetryOptions configures retry behavior for host API calls.
type RetryOptions struct {
	MaxRetries int           // Maximum number of retries (default: 3)
	BaseDelay  time.Duration // Initial delay between retries (default: 1s)
	MaxDelay   time.Duration // Maximum delay between retries (default: 30s)
}

// DefaultRetryOptions returns sensible defaults for retry behavior.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// withRetry executes an operation with exponential backoff retry.
// Only transient host errors are retried; permanent refusals surface
// immediately. The context deadline always wins.
func withRetry[T any](ctx context.Context, opts RetryOptions, op func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}

		if !host.IsTransient(lastErr) {
			return result, lastErr
		}
		if attempt >= opts.MaxRetries {
			return result, lastErr
		}

		// Exponential backoff: 1s, 2s, 4s, 8s...
		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

// withRetry2 is withRetry for paginated calls that also need the API response.
func withRetry2[T any](ctx context.Context, opts RetryOptions, op func() (T, *gogithub.Response, error)) (T, *gogithub.Response, error) {
	type pair struct {
		val  T
		resp *gogithub.Response
	}
	p, err := withRetry(ctx, opts, func() (pair, error) {
		val, resp, err := op()
		return pair{val, resp}, err
	})
	return p.val, p.resp, err
}

// withRetryVoid is like withRetry but for operations that don't return a value.
func withRetryVoid(ctx context.Context, opts RetryOptions, op func() error) error {
	_, err := withRetry(ctx, opts, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
