package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("server", func(ctx context.Context) Status { return StatusOK })
	c.Register("store", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("server", func(ctx context.Context) Status { return StatusOK })
	c.Register("events", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_DegradedStillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("server", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_CachesLastResults(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })

	assert.Empty(t, c.LastResults())
	c.RunAll(context.Background())
	assert.Equal(t, map[string]Status{"store": StatusOK}, c.LastResults())
}
