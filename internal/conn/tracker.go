package conn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/api"
	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
)

// Prober is the status endpoint of the HTTP boundary.
type Prober interface {
	Status(ctx context.Context) (*api.StatusResponse, error)
}

// Tracker owns the connection state. Probe is the only mutator path;
// everything else reads or subscribes.
type Tracker struct {
	prober Prober
	logger zerolog.Logger

	// OnProbeFailure is invoked once per failed status probe (metrics).
	OnProbeFailure func()

	mu      sync.RWMutex
	state   State
	blocked *serrors.OperationBlockedError

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	kickCh chan struct{}
}

// NewTracker creates a tracker in the Unreachable state. The first
// probe establishes the real state.
func NewTracker(prober Prober, logger zerolog.Logger) *Tracker {
	return &Tracker{
		prober: prober,
		logger: logger.With().Str("component", "conn").Logger(),
		state:  State{Mode: Unreachable},
		subs:   make(map[int]chan State),
		kickCh: make(chan struct{}, 1),
	}
}

// Probe performs one status call and derives the new state: call failure
// maps to Unreachable, success with the backing host offline to Degraded,
// success otherwise to Connected. Subscribers are notified on change.
func (t *Tracker) Probe(ctx context.Context) State {
	var next State
	st, err := t.prober.Status(ctx)
	switch {
	case err != nil:
		next = State{Mode: Unreachable}
		t.logger.Debug().Err(err).Msg("status probe failed")
		if t.OnProbeFailure != nil {
			t.OnProbeFailure()
		}
	case !st.BackingHostOnline:
		next = State{Mode: Degraded, PendingOps: st.PendingOperations}
	default:
		next = State{Mode: Connected}
	}

	t.mu.Lock()
	changed := next != t.state
	t.state = next
	t.mu.Unlock()

	if changed {
		t.logger.Info().Stringer("mode", next.Mode).Uint("pending", next.PendingOps).Msg("connection state changed")
		t.notify(next)
	}
	return next
}

// Current returns the last probed state.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// RequiresBackingHost guards an operation that must execute on the
// backing compute host. When the state is not Connected it records a
// user-facing error naming the operation and returns false. It never
// returns an error value; callers read the message via LastError.
func (t *Tracker) RequiresBackingHost(op string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Mode == Connected {
		return true
	}
	t.blocked = &serrors.OperationBlockedError{Op: op, Reason: t.state.blockedReason()}
	return false
}

// Blocked returns the typed guard error from the last rejected
// operation, or nil.
func (t *Tracker) Blocked() *serrors.OperationBlockedError {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocked
}

// LastError returns the most recent user-facing error, or "".
func (t *Tracker) LastError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.blocked == nil {
		return ""
	}
	return t.blocked.Error()
}

// ClearError discards the recorded user-facing error.
func (t *Tracker) ClearError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = nil
}

// Subscribe registers a listener for state changes. The returned cancel
// func must be called to release the subscription.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan State, 4)
	t.subs[id] = ch

	cancel := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (t *Tracker) notify(s State) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber; drop rather than block the prober.
		}
	}
}

// Kick requests an immediate re-probe from the running probe loop.
// Channel clients call this on transport failure.
func (t *Tracker) Kick() {
	select {
	case t.kickCh <- struct{}{}:
	default:
	}
}

// RunProbeLoop re-probes on a fixed cadence and whenever kicked, until
// the context is cancelled.
func (t *Tracker) RunProbeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Probe(ctx)
		case <-t.kickCh:
			t.Probe(ctx)
		}
	}
}
