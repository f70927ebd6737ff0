// Package health aggregates readiness checks for the sync daemon's
// dependencies: the backlog server, the snapshot store and the event
// channel. The status API serves the results.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the health of one dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// checkTimeout bounds each individual check.
const checkTimeout = 5 * time.Second

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) Status

// Checker runs registered checks and caches the last results.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]Status
	logger zerolog.Logger
}

// NewChecker creates an empty checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all checks concurrently and caches the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := f(checkCtx)
			resMu.Lock()
			results[n] = s
			resMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	for name, s := range results {
		if s == StatusDown {
			c.logger.Warn().Str("check", name).Msg("dependency down")
		}
	}
	return results
}

// LastResults returns the cached results of the previous run.
func (c *Checker) LastResults() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for name, s := range c.cache {
		out[name] = s
	}
	return out
}

// IsReady reruns all checks; degraded dependencies still count as ready.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, s := range c.RunAll(ctx) {
		if s == StatusDown {
			return false
		}
	}
	return true
}
