package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/backlog-sync/internal/api"
	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
)

// fakeProber scripts status probe results.
type fakeProber struct {
	mu    sync.Mutex
	resp  *api.StatusResponse
	err   error
	calls int
}

func (f *fakeProber) Status(ctx context.Context) (*api.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func (f *fakeProber) set(resp *api.StatusResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp, f.err = resp, err
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestProbe_Mapping(t *testing.T) {
	tests := []struct {
		name string
		resp *api.StatusResponse
		err  error
		want State
	}{
		{"failure maps to unreachable", nil, serrors.ErrUnavailable, State{Mode: Unreachable}},
		{"backing host offline maps to degraded", &api.StatusResponse{BackingHostOnline: false, PendingOperations: 2}, nil, State{Mode: Degraded, PendingOps: 2}},
		{"both online maps to connected", &api.StatusResponse{BackingHostOnline: true}, nil, State{Mode: Connected}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(&fakeProber{resp: tt.resp, err: tt.err}, zerolog.Nop())
			got := tr.Probe(context.Background())
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, tr.Current())
		})
	}
}

func TestRequiresBackingHost_DegradedBlocksWithWording(t *testing.T) {
	prober := &fakeProber{resp: &api.StatusResponse{BackingHostOnline: false}}
	tr := NewTracker(prober, zerolog.Nop())
	tr.Probe(context.Background())

	ok := tr.RequiresBackingHost("Shipping a feature")
	assert.False(t, ok)
	assert.Contains(t, tr.LastError(), "Shipping a feature")
	assert.Contains(t, tr.LastError(), "offline")
	assert.Contains(t, tr.LastError(), "Mac")

	tr.ClearError()
	assert.Empty(t, tr.LastError())
}

func TestRequiresBackingHost_UnreachableWording(t *testing.T) {
	tr := NewTracker(&fakeProber{err: serrors.ErrUnavailable}, zerolog.Nop())
	tr.Probe(context.Background())

	assert.False(t, tr.RequiresBackingHost("Starting work"))
	assert.Contains(t, tr.LastError(), "Starting work")
	assert.Contains(t, tr.LastError(), "unreachable")
}

func TestRequiresBackingHost_TypedGuardError(t *testing.T) {
	prober := &fakeProber{resp: &api.StatusResponse{BackingHostOnline: false}}
	tr := NewTracker(prober, zerolog.Nop())
	tr.Probe(context.Background())

	require.False(t, tr.RequiresBackingHost("Shipping a feature"))

	blocked := tr.Blocked()
	require.NotNil(t, blocked)
	assert.Equal(t, "Shipping a feature", blocked.Op)
	assert.Equal(t, "the Mac is offline", blocked.Reason)

	tr.ClearError()
	assert.Nil(t, tr.Blocked())
}

func TestProbe_FailureCallback(t *testing.T) {
	prober := &fakeProber{err: serrors.ErrUnavailable}
	tr := NewTracker(prober, zerolog.Nop())

	failures := 0
	tr.OnProbeFailure = func() { failures++ }

	tr.Probe(context.Background())
	tr.Probe(context.Background())
	assert.Equal(t, 2, failures)

	prober.set(&api.StatusResponse{BackingHostOnline: true}, nil)
	tr.Probe(context.Background())
	assert.Equal(t, 2, failures, "successful probes must not count")
}

func TestRequiresBackingHost_ConnectedAllows(t *testing.T) {
	tr := NewTracker(&fakeProber{resp: &api.StatusResponse{BackingHostOnline: true}}, zerolog.Nop())
	tr.Probe(context.Background())

	assert.True(t, tr.RequiresBackingHost("Shipping a feature"))
	assert.Empty(t, tr.LastError())
}

func TestSubscribe_NotifiesOnChangeOnly(t *testing.T) {
	prober := &fakeProber{resp: &api.StatusResponse{BackingHostOnline: true}}
	tr := NewTracker(prober, zerolog.Nop())

	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.Probe(context.Background()) // Unreachable -> Connected
	select {
	case got := <-ch:
		assert.Equal(t, Connected, got.Mode)
	case <-time.After(time.Second):
		t.Fatal("expected a state change notification")
	}

	tr.Probe(context.Background()) // no change
	select {
	case got := <-ch:
		t.Fatalf("unexpected notification: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	prober.set(nil, serrors.ErrUnavailable)
	tr.Probe(context.Background()) // Connected -> Unreachable
	select {
	case got := <-ch:
		assert.Equal(t, Unreachable, got.Mode)
	case <-time.After(time.Second):
		t.Fatal("expected a state change notification")
	}
}

func TestSubscribe_CancelIsIdempotent(t *testing.T) {
	tr := NewTracker(&fakeProber{}, zerolog.Nop())
	_, cancel := tr.Subscribe()
	cancel()
	cancel()
}

func TestRunProbeLoop_KickTriggersImmediateProbe(t *testing.T) {
	prober := &fakeProber{resp: &api.StatusResponse{BackingHostOnline: true}}
	tr := NewTracker(prober, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.RunProbeLoop(ctx, time.Hour)
		close(done)
	}()

	// Initial probe runs on loop start.
	require.Eventually(t, func() bool { return prober.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	tr.Kick()
	require.Eventually(t, func() bool { return prober.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe loop did not stop on context cancel")
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "unreachable", Unreachable.String())
}
