package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Retry defaults.
const (
	// DefaultMaxAttempts is the total number of tries, including the first
	DefaultMaxAttempts = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts
	DefaultBaseDelay = 500 * time.Millisecond
	// MaxBackoffDelay caps the backoff regardless of attempt count
	MaxBackoffDelay = 30 * time.Second
)

// retryableFragments are error-text markers for transient failures worth
// retrying. Anything else fails immediately.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"too many requests",
	"no such host",
	"EOF",
	"deadlock",
	"try again",
}

// IsRetryable reports whether err looks transient. Circuit-open errors are
// never retryable: the breaker already decided the dependency is down.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (c *RetryConfig) fillDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
}

// Backoff returns the delay before the given retry attempt (1-based), with
// full jitter to avoid thundering-herd retries, capped at MaxBackoffDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c.fillDefaults()
	d := c.BaseDelay << uint(attempt-1)
	if d > MaxBackoffDelay || d <= 0 {
		d = MaxBackoffDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// DoWithRetry runs fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing jittered delay between attempts. Non-retryable errors abort the
// loop immediately, as does context cancellation.
func DoWithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.fillDefaults()
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Backoff(attempt)):
		}
	}
	return err
}
