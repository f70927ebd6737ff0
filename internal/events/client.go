// Package events owns the persistent change-notification channel. One
// reconnecting WebSocket is subscribed to a single project scope; inbound
// feature_update and sync frames are surfaced as typed notifications for
// the session controller to reconcile.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/backlog-sync/internal/models"
	"github.com/p-blackswan/backlog-sync/internal/retry"
)

// Status is the channel lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusReconnecting
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Config holds event channel configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8422/ws/events".
	URL string

	// PingInterval is the keepalive cadence while the channel is open.
	PingInterval time.Duration

	// Backoff controls reconnect scheduling. The default is a constant
	// delay; bounded exponential backoff is opt-in.
	Backoff retry.Config
}

// DefaultConfig returns sane defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PingInterval: 30 * time.Second,
		Backoff:      retry.Config{BaseDelay: 2 * time.Second},
	}
}

// Notification is one inbound change signal. Either Event is set
// (feature_update frame) or Sync is true (server-initiated full resync).
type Notification struct {
	Event *models.ChangeEvent
	Sync  bool
}

// frame is the wire format: one JSON object per message with a
// mandatory type discriminant.
type frame struct {
	Type      string `json:"type"`
	Project   string `json:"project,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Recorder observes channel activity for metrics. Optional.
type Recorder interface {
	RecordFrame(channel, frameType string)
	RecordReconnect(channel string)
}

// Client is the reconnecting event channel client.
type Client struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder

	// OnTransportFailure is invoked once per transport-level failure,
	// before the reconnect is scheduled. Used to kick a state re-probe.
	OnTransportFailure func()

	mu             sync.Mutex
	conn           *websocket.Conn
	scope          string
	status         Status
	attempt        int
	gen            int
	stopPing       chan struct{}
	reconnectTimer *time.Timer

	notifications chan Notification
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, recorder Recorder, logger zerolog.Logger) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Backoff.BaseDelay == 0 {
		cfg.Backoff.BaseDelay = 2 * time.Second
	}
	return &Client{
		cfg:           cfg,
		logger:        logger.With().Str("component", "events").Logger(),
		recorder:      recorder,
		notifications: make(chan Notification, 64),
	}
}

// Notifications is drained by the session controller. Frames from one
// socket are delivered in arrival order.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Scope returns the currently subscribed project, or "".
func (c *Client) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Connect subscribes to a project scope. It is idempotent per scope:
// connecting while already subscribed to the same scope is a no-op, and
// connecting to a different scope performs a clean disconnect first so
// there is never a dual subscription.
func (c *Client) Connect(ctx context.Context, scope string) error {
	c.mu.Lock()
	if c.scope == scope && (c.status == StatusOpen || c.status == StatusConnecting || c.status == StatusReconnecting) {
		c.mu.Unlock()
		return nil
	}
	if c.status != StatusIdle {
		c.teardownLocked(websocket.CloseNormalClosure)
	}
	c.scope = scope
	c.status = StatusConnecting
	c.attempt = 0
	gen := c.gen
	c.mu.Unlock()

	if err := c.dial(ctx, gen); err != nil {
		c.mu.Lock()
		// A manual disconnect may have raced the dial. Otherwise the
		// scope stays subscribed and the retry cycle takes over, same
		// as for a drop after a successful connect.
		if c.gen == gen {
			c.status = StatusReconnecting
			delay := c.cfg.Backoff.Delay(c.attempt)
			c.attempt++
			c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the channel and cancels all timers. No timer fires
// and no frame is sent after it returns; a later Connect starts a fresh
// lifecycle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusClosing
	c.teardownLocked(websocket.CloseNormalClosure)
	c.status = StatusIdle
	c.scope = ""
}

// teardownLocked stops timers, closes the transport and invalidates the
// current generation so in-flight goroutines become no-ops. Caller must
// hold mu.
func (c *Client) teardownLocked(closeCode int) {
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""),
		)
		_ = c.conn.Close()
		c.conn = nil
	}
}

// dial opens the socket for the given generation and starts the read
// and keepalive loops.
func (c *Client) dial(ctx context.Context, gen int) error {
	url := fmt.Sprintf("%s?project=%s", c.cfg.URL, c.scopeFor(gen))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnected while dialing; drop the fresh socket.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.status = StatusOpen
	c.attempt = 0
	stopPing := make(chan struct{})
	c.stopPing = stopPing
	c.mu.Unlock()

	c.logger.Info().Str("scope", c.Scope()).Msg("event channel open")

	go c.pingLoop(conn, stopPing)
	go c.readLoop(conn, gen, stopPing)
	return nil
}

func (c *Client) scopeFor(gen int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return ""
	}
	return c.scope
}

// pingLoop sends a keepalive ping on a fixed cadence. Absence of a
// protocol-level pong is not fatal; only a write failure matters, and
// the read loop will observe that on its side.
func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload, _ := json.Marshal(frame{Type: "ping"})
			c.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, payload)
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("keepalive write failed")
				return
			}
		}
	}
}

// readLoop reads frames until the transport fails, dispatching each in
// arrival order.
func (c *Client) readLoop(conn *websocket.Conn, gen int, stop <-chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportFailure(gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		if c.recorder != nil {
			c.recorder.RecordFrame("events", f.Type)
		}

		switch f.Type {
		case "pong":
			// Keepalive ack.
		case "feature_update":
			n := Notification{Event: &models.ChangeEvent{
				Project:   f.Project,
				FeatureID: f.FeatureID,
				Action:    models.ChangeAction(f.Action),
			}}
			select {
			case c.notifications <- n:
			case <-stop:
				return
			}
		case "sync":
			select {
			case c.notifications <- Notification{Sync: true}:
			case <-stop:
				return
			}
		default:
			c.logger.Debug().Str("type", f.Type).Msg("unknown frame ignored")
		}
	}
}

// handleTransportFailure schedules exactly one reconnect attempt unless
// the failure belongs to a torn-down generation (manual disconnect).
func (c *Client) handleTransportFailure(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Err(err).Msg("event channel transport failure")
	c.status = StatusReconnecting
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	delay := c.cfg.Backoff.Delay(c.attempt)
	c.attempt++
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	if c.OnTransportFailure != nil {
		c.OnTransportFailure()
	}
}

// reconnect is the timer callback for one scheduled attempt.
func (c *Client) reconnect(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordReconnect("events")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.dial(ctx, gen); err != nil {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		delay := c.cfg.Backoff.Delay(c.attempt)
		c.attempt++
		c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
		c.mu.Unlock()
		c.logger.Debug().Err(err).Dur("next_attempt_in", delay).Msg("reconnect failed")
	}
}
