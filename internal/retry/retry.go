// Package retry provides backoff scheduling for reconnect timers and
// retry logic for calls through the HTTP boundary.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
)

// Config holds retry and backoff configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults for HTTP calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponential: true,
		Jitter:      true,
	}
}

// Delay returns the backoff delay for the given zero-based attempt.
// With Exponential unset every attempt waits BaseDelay — the channel
// clients default to a constant reconnect delay.
func (c Config) Delay(attempt int) time.Duration {
	delay := c.BaseDelay
	if c.Exponential {
		delay = time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// Do executes fn with backoff between attempts. Only retries if the
// error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !serrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
	return lastErr
}
