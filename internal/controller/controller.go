// Package controller composes the sync core: it owns the connection
// tracker, the entity cache and both channel clients, reconciles change
// notifications into cache state, and publishes an observable snapshot
// for the rendering layer. Only one project is active at a time and all
// selection changes serialize through the controller.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/cache"
	"github.com/p-blackswan/backlog-sync/internal/chat"
	"github.com/p-blackswan/backlog-sync/internal/conn"
	"github.com/p-blackswan/backlog-sync/internal/drift"
	"github.com/p-blackswan/backlog-sync/internal/events"
	"github.com/p-blackswan/backlog-sync/internal/models"
	"github.com/p-blackswan/backlog-sync/internal/retry"
)

// Fetcher is the collection-read slice of the HTTP boundary.
type Fetcher interface {
	ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error)
}

// EventChannel is the change-notification channel owned by the
// controller. Implemented by *events.Client.
type EventChannel interface {
	Connect(ctx context.Context, scope string) error
	Disconnect()
	Notifications() <-chan events.Notification
}

// ChatSession is the streaming session owned by the controller.
// Implemented by *chat.Session.
type ChatSession interface {
	Connect(ctx context.Context, project string, feature *chat.FeatureContext) error
	Disconnect()
}

// Launcher is an opaque "launch external tool" capability the controller
// may invoke after a successful operation. No further contract.
type Launcher func(tool string) error

// Snapshot is the published view consumed by the rendering layer.
type Snapshot struct {
	Project   string           `json:"project"`
	Features  []models.Feature `json:"features"`
	FromCache bool             `json:"from_cache"`
	FetchedAt time.Time        `json:"fetched_at,omitempty"`
	Conn      conn.State       `json:"conn"`
}

// Controller is the single logical owner of the sync core.
type Controller struct {
	fetcher  Fetcher
	tracker  *conn.Tracker
	cache    *cache.Cache
	events   EventChannel
	drift    *drift.Reconciler
	chat     ChatSession
	launcher Launcher
	logger   zerolog.Logger

	// OnRefetch observes completed refetches (metrics).
	OnRefetch func()

	// Retry governs boundary fetch attempts. Transient failures (timeouts,
	// 5xx) are retried with backoff before the refetch is given up.
	Retry retry.Config

	mu       sync.RWMutex
	snapshot Snapshot

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	refetchCh chan string
}

// New creates a controller. The chat session is optional; pass nil when
// the daemon runs without refinement support.
func New(
	fetcher Fetcher,
	tracker *conn.Tracker,
	entityCache *cache.Cache,
	eventChannel EventChannel,
	reconciler *drift.Reconciler,
	chatSession ChatSession,
	logger zerolog.Logger,
) *Controller {
	return &Controller{
		fetcher:   fetcher,
		tracker:   tracker,
		cache:     entityCache,
		events:    eventChannel,
		drift:     reconciler,
		chat:      chatSession,
		logger:    logger.With().Str("component", "controller").Logger(),
		subs:      make(map[int]chan Snapshot),
		refetchCh: make(chan string, 1),
		Retry:     retry.DefaultConfig(),
	}
}

// SetLauncher installs the external-tool capability.
func (c *Controller) SetLauncher(l Launcher) {
	c.launcher = l
}

// Snapshot returns the current published view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Subscribe registers a listener for snapshot changes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 4)
	c.subs[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Controller) publish(update func(*Snapshot)) {
	c.mu.Lock()
	update(&c.snapshot)
	snap := c.snapshot
	c.mu.Unlock()

	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	c.subMu.Unlock()
}

// SelectProject switches the active scope. The cached snapshot is
// published immediately for stale-while-revalidate display, the event
// channel re-subscribes, and a fresh fetch is queued.
func (c *Controller) SelectProject(ctx context.Context, projectID string) error {
	cached, fromCache := c.cache.Load(projectID)
	c.publish(func(s *Snapshot) {
		s.Project = projectID
		s.Features = cached
		s.FromCache = fromCache
		s.FetchedAt = time.Time{}
	})

	c.drift.SetProject(projectID)

	if err := c.events.Connect(ctx, projectID); err != nil {
		// The channel schedules its own reconnects; selection still
		// proceeds with cached data.
		c.logger.Warn().Err(err).Str("project", projectID).Msg("event channel connect failed")
		c.tracker.Kick()
	}

	c.queueRefetch(projectID)
	return nil
}

// queueRefetch coalesces pending refetch requests for the run loop.
func (c *Controller) queueRefetch(projectID string) {
	select {
	case c.refetchCh <- projectID:
	default:
	}
}

// Run drains change notifications and connection state changes until the
// context is cancelled. Frames from the event channel are handled in
// arrival order.
func (c *Controller) Run(ctx context.Context) {
	connCh, cancelConn := c.tracker.Subscribe()
	defer cancelConn()

	// Seed the view with whatever the tracker already knows; a probe that
	// completed before the subscription is not replayed.
	c.publish(func(s *Snapshot) { s.Conn = c.tracker.Current() })

	for {
		select {
		case <-ctx.Done():
			return

		case st := <-connCh:
			c.publish(func(s *Snapshot) { s.Conn = st })

		case projectID := <-c.refetchCh:
			c.refetch(ctx, projectID)

		case n, ok := <-c.events.Notifications():
			if !ok {
				return
			}
			c.handleNotification(ctx, n)
		}
	}
}

func (c *Controller) handleNotification(ctx context.Context, n events.Notification) {
	project := c.Snapshot().Project

	if n.Sync {
		c.refetch(ctx, project)
		return
	}
	if n.Event == nil {
		return
	}
	if n.Event.Project != "" && n.Event.Project != project {
		// Stray frame from a previous scope; the channel guarantees no
		// dual subscription, but a frame can race the switch.
		return
	}

	if n.Event.Action == models.ActionDeleted {
		c.cache.Remove(project, n.Event.FeatureID)
		if cached, ok := c.cache.Load(project); ok {
			c.publish(func(s *Snapshot) { s.Features = cached })
		}
		return
	}

	c.refetch(ctx, project)
}

// refetch pulls the authoritative collection and replaces the cache
// wholesale. Failures keep the previous (possibly cached) view and kick
// a connection re-probe.
func (c *Controller) refetch(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}
	features, err := c.listWithRetry(ctx, projectID)
	if err != nil {
		c.logger.Warn().Err(err).Str("project", projectID).Msg("refetch failed")
		c.tracker.Kick()
		return
	}

	c.cache.Save(projectID, features)
	if c.OnRefetch != nil {
		c.OnRefetch()
	}
	c.publish(func(s *Snapshot) {
		if s.Project != projectID {
			return
		}
		s.Features = features
		s.FromCache = false
		s.FetchedAt = time.Now().UTC()
	})
}

// RefetchProject exposes the refetch path for the drift reconciler's
// post-fix callback.
func (c *Controller) RefetchProject(ctx context.Context, projectID string) error {
	features, err := c.listWithRetry(ctx, projectID)
	if err != nil {
		return err
	}
	c.cache.Save(projectID, features)
	c.publish(func(s *Snapshot) {
		if s.Project != projectID {
			return
		}
		s.Features = features
		s.FromCache = false
		s.FetchedAt = time.Now().UTC()
	})
	return nil
}

// listWithRetry fetches the collection through the boundary, retrying
// transient failures per the controller's retry policy.
func (c *Controller) listWithRetry(ctx context.Context, projectID string) ([]models.Feature, error) {
	var features []models.Feature
	err := retry.Do(ctx, c.Retry, func(ctx context.Context) error {
		var ferr error
		features, ferr = c.fetcher.ListFeatures(ctx, projectID)
		return ferr
	})
	return features, err
}

// StartChat opens the streaming session for the active project,
// optionally scoped to one feature being refined.
func (c *Controller) StartChat(ctx context.Context, feature *chat.FeatureContext) error {
	if c.chat == nil {
		return nil
	}
	return c.chat.Connect(ctx, c.Snapshot().Project, feature)
}

// StopChat closes the streaming session.
func (c *Controller) StopChat() {
	if c.chat != nil {
		c.chat.Disconnect()
	}
}

// CanRun guards an operation that needs the backing compute host. When
// blocked, the user-facing reason is available from LastError.
func (c *Controller) CanRun(op string) bool {
	return c.tracker.RequiresBackingHost(op)
}

// LastError returns the tracker's user-facing error, or "".
func (c *Controller) LastError() string {
	return c.tracker.LastError()
}

// LaunchTool invokes the opaque external-tool capability, if installed.
func (c *Controller) LaunchTool(tool string) error {
	if c.launcher == nil {
		return nil
	}
	return c.launcher(tool)
}

// Shutdown disconnects both channels deterministically.
func (c *Controller) Shutdown() {
	c.events.Disconnect()
	c.StopChat()
}
