package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
)

func TestDelay_Constant(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, 2*time.Second, cfg.Delay(attempt))
	}
}

func TestDelay_ExponentialCapped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Exponential: true}
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(5))
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return serrors.ErrUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	fatal := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return serrors.ErrUnavailable
	})
	assert.ErrorIs(t, err, context.Canceled)
}
