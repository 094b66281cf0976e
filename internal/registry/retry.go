package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs retries of transport-level failures. The same policy
// is shared by the scan and bulk engines; per-item bulk errors are never
// retried, only whole requests.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns the standard sweeper policy: 4 attempts with
// exponential backoff starting at 2s, doubling per attempt.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		Multiplier:      2,
	}
}

// Execute runs op, retrying on TransportError until the attempt budget is
// exhausted. Any other error aborts immediately.
func (p *RetryPolicy) Execute(ctx context.Context, log *slog.Logger, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		log.Warn("retrying after transport failure", "error", err, "wait", wait)
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx), notify)
}
