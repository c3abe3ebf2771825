package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrRetriesExhausted wraps the last error once every retry has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxRetries is the number of retries after the first attempt. Default: 3.
	MaxRetries int

	// BaseDelay is the first backoff interval. It doubles on every retry.
	// Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff interval. Default: 2s.
	MaxDelay time.Duration

	// JitterPercent randomises each interval by up to this percentage.
	// Default: 20.
	JitterPercent uint64
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.JitterPercent == 0 {
		c.JitterPercent = 20
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Stages return it once they have
// emitted output, because a retry would repeat what the caller already heard.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, ctx is done,
// or the retry budget is spent. attempt starts at 1. A spent budget returns
// the last error wrapped in [ErrRetriesExhausted]. A permanent error is
// returned unwrapped.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	cfg.applyDefaults()

	b := retry.NewExponential(cfg.BaseDelay)
	b = retry.WithCappedDuration(cfg.MaxDelay, b)
	b = retry.WithJitterPercent(cfg.JitterPercent, b)
	b = retry.WithMaxRetries(uint64(cfg.MaxRetries), b)

	var (
		attempt int
		last    error
		perm    bool
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		var pe *permanentError
		if errors.As(err, &pe) {
			perm = true
			return pe.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt <= cfg.MaxRetries {
			slog.Debug("retrying after failure",
				"name", cfg.Name,
				"attempt", attempt,
				"err", err)
		}
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		return nil
	case perm, ctx.Err() != nil:
		return err
	case attempt > cfg.MaxRetries:
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, last)
	default:
		return err
	}
}
