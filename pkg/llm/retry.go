package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingClient wraps a Client with bounded exponential backoff on
// transient failures. Schema and internal failures pass through untouched.
type RetryingClient struct {
	inner      Client
	maxRetries uint64
}

// WithRetry wraps client; maxRetries bounds additional attempts after the
// first (the platform default is 2).
func WithRetry(client Client, maxRetries int) *RetryingClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingClient{inner: client, maxRetries: uint64(maxRetries)}
}

// Complete implements Client.
func (c *RetryingClient) Complete(ctx context.Context, req Request) (string, error) {
	var out string

	operation := func() error {
		resp, err := c.inner.Complete(ctx, req)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), c.maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return out, nil
}
