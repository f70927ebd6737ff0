// Package chat owns the streaming refinement session: one reconnecting
// WebSocket per active conversation, outbound user turns, inbound token
// fragments coalesced through a throttled buffer, and the structured
// refined-spec payload that ends a turn. The server is the source of
// truth for message history; on reconnect it replays session_state and
// the local transcript is rebuilt wholesale.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
	"github.com/p-blackswan/backlog-sync/internal/models"
	"github.com/p-blackswan/backlog-sync/internal/retry"
)

// Config holds streaming session configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8422/ws/chat".
	URL string

	// PingInterval is the keepalive cadence while the session is open.
	PingInterval time.Duration

	// Throttle is the minimum gap between streaming-buffer publishes.
	Throttle time.Duration

	// Backoff controls reconnect scheduling, same policy as the event
	// channel.
	Backoff retry.Config
}

// DefaultConfig returns sane defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PingInterval: 30 * time.Second,
		Throttle:     50 * time.Millisecond,
		Backoff:      retry.Config{BaseDelay: 2 * time.Second},
	}
}

// FeatureContext identifies a pre-existing backlog entity being refined.
// Sent with the init frame so the backend can pre-load context.
type FeatureContext struct {
	FeatureID    string
	FeatureTitle string
}

// sessionFrame is the wire format for both directions.
type sessionFrame struct {
	Type         string          `json:"type"`
	Content      string          `json:"content,omitempty"`
	Status       string          `json:"status,omitempty"`
	Message      string          `json:"message,omitempty"`
	Project      string          `json:"project,omitempty"`
	FeatureID    string          `json:"feature_id,omitempty"`
	FeatureTitle string          `json:"feature_title,omitempty"`
	State        *sessionState   `json:"state,omitempty"`
	Spec         json.RawMessage `json:"spec,omitempty"`
}

type sessionState struct {
	Messages []stateMessage `json:"messages"`
}

type stateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Recorder observes channel activity for metrics. Optional.
type Recorder interface {
	RecordFrame(channel, frameType string)
	RecordReconnect(channel string)
}

// Session is the streaming session client.
type Session struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder

	// OnTransportFailure is invoked once per transport-level failure.
	OnTransportFailure func()

	// OnResult is invoked exactly once per turn when the refined spec
	// arrives. The socket stays open; further turns remain possible.
	OnResult func(models.RefinedResult)

	// OnChunkPublish observes throttled buffer publishes (metrics).
	OnChunkPublish func()

	mu             sync.Mutex
	conn           *websocket.Conn
	project        string
	feature        *FeatureContext
	open           bool
	attempt        int
	gen            int
	stopPing       chan struct{}
	reconnectTimer *time.Timer

	stateMu         sync.RWMutex
	messages        []models.ConversationMessage
	streaming       string
	typing          bool
	lastErr         *serrors.ServerError
	result          *models.RefinedResult
	resultDelivered bool

	buffer *StreamingBuffer

	updates chan struct{}
}

// NewSession creates a disconnected session client.
func NewSession(cfg Config, recorder Recorder, logger zerolog.Logger) *Session {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Throttle == 0 {
		cfg.Throttle = 50 * time.Millisecond
	}
	if cfg.Backoff.BaseDelay == 0 {
		cfg.Backoff.BaseDelay = 2 * time.Second
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With().Str("component", "chat").Logger(),
		recorder: recorder,
		buffer:   NewStreamingBuffer(cfg.Throttle),
		updates:  make(chan struct{}, 1),
	}
}

// Updates signals that observable session state changed. Coalesced; the
// consumer re-reads whatever it renders.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []models.ConversationMessage {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]models.ConversationMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Streaming returns the throttled view of the in-flight assistant text.
func (s *Session) Streaming() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.streaming
}

// Typing reports whether the assistant is working on a response.
func (s *Session) Typing() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.typing
}

// LastError returns the most recent server-reported error, or "".
func (s *Session) LastError() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Message
}

// Result returns the refined spec for the current conversation, if any.
func (s *Session) Result() *models.RefinedResult {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.result
}

// IsOpen reports whether the transport is currently open.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Connect opens the session for a project, optionally scoped to one
// feature being refined. The init frame is fire-and-forget.
func (s *Session) Connect(ctx context.Context, project string, feature *FeatureContext) error {
	s.mu.Lock()
	if s.conn != nil {
		s.teardownLocked()
	}
	s.project = project
	s.feature = feature
	s.attempt = 0
	gen := s.gen
	s.mu.Unlock()

	if err := s.dial(ctx, gen); err != nil {
		s.mu.Lock()
		// Keep retrying unless a disconnect raced the dial; the session
		// target is set, so a failed first dial behaves like a drop.
		if s.gen == gen {
			delay := s.cfg.Backoff.Delay(s.attempt)
			s.attempt++
			s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the session and cancels all timers. No timer fires
// after it returns. The transcript is kept for display; a later Connect
// starts a fresh lifecycle and the server replays session_state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	s.gen++
	s.open = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) dial(ctx context.Context, gen int) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	url := s.cfg.URL + "?project=" + s.project
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.open = true
	s.attempt = 0
	stopPing := make(chan struct{})
	s.stopPing = stopPing

	init := sessionFrame{Type: "init", Project: s.project}
	if s.feature != nil {
		init.FeatureID = s.feature.FeatureID
		init.FeatureTitle = s.feature.FeatureTitle
	}
	payload, _ := json.Marshal(init)
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	s.mu.Unlock()

	if writeErr != nil {
		s.logger.Warn().Err(writeErr).Msg("init frame write failed")
	}
	s.logger.Info().Str("project", s.project).Msg("chat session open")

	go s.pingLoop(conn, stopPing)
	go s.readLoop(conn, gen)
	return nil
}

// SendMessage appends a user turn and transmits it. Empty or
// whitespace-only input is a silent no-op, not an error.
func (s *Session) SendMessage(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	now := time.Now().UTC()
	s.stateMu.Lock()
	s.messages = append(s.messages,
		models.ConversationMessage{
			ID:        uuid.New().String(),
			Role:      models.RoleUser,
			Content:   text,
			CreatedAt: now,
		},
		// Optimistic placeholder; finalized exactly once by
		// message_complete.
		models.ConversationMessage{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			CreatedAt: now,
		},
	)
	s.streaming = ""
	s.resultDelivered = false
	s.stateMu.Unlock()
	s.buffer.Reset()

	s.writeFrame(sessionFrame{Type: "message", Content: text})
	s.notifyUpdate()
}

// Reset clears the local transcript and any in-flight result, then tells
// the server. The clear is optimistic; no confirmation is awaited.
func (s *Session) Reset() {
	s.stateMu.Lock()
	s.messages = nil
	s.streaming = ""
	s.typing = false
	s.result = nil
	s.resultDelivered = false
	s.stateMu.Unlock()
	s.buffer.Reset()

	s.writeFrame(sessionFrame{Type: "reset"})
	s.notifyUpdate()
}

func (s *Session) writeFrame(f sessionFrame) {
	payload, _ := json.Marshal(f)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug().Err(err).Str("type", f.Type).Msg("frame write failed")
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload, _ := json.Marshal(sessionFrame{Type: "ping"})
			s.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, payload)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleTransportFailure(gen, err)
			return
		}

		var f sessionFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		if s.recorder != nil {
			s.recorder.RecordFrame("chat", f.Type)
		}
		s.handleFrame(f)
	}
}

// handleFrame dispatches one inbound frame. Frames from the same socket
// are processed in arrival order; this runs on the read loop goroutine.
func (s *Session) handleFrame(f sessionFrame) {
	switch f.Type {
	case "pong":
		// Keepalive ack.

	case "session_state":
		// Wholesale rehydrate, e.g. after reconnect or device restart.
		// The server is the source of truth for history.
		if f.State == nil {
			return
		}
		now := time.Now().UTC()
		rebuilt := make([]models.ConversationMessage, 0, len(f.State.Messages))
		for _, m := range f.State.Messages {
			rebuilt = append(rebuilt, models.ConversationMessage{
				ID:        uuid.New().String(),
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: now,
			})
		}
		s.stateMu.Lock()
		s.messages = rebuilt
		s.streaming = ""
		s.stateMu.Unlock()
		s.buffer.Reset()
		s.notifyUpdate()

	case "chunk":
		published, due := s.buffer.Append(f.Content)
		s.stateMu.Lock()
		s.typing = true
		if due {
			s.streaming = published
		}
		s.stateMu.Unlock()
		if due {
			if s.OnChunkPublish != nil {
				s.OnChunkPublish()
			}
			s.notifyUpdate()
		}

	case "message_complete":
		final := f.Content
		if final == "" {
			final = s.buffer.Flush()
		}
		s.stateMu.Lock()
		s.finalizeAssistantLocked(final)
		s.streaming = final
		s.typing = false
		s.stateMu.Unlock()
		s.buffer.Reset()
		s.notifyUpdate()

	case "spec_ready":
		var spec models.RefinedResult
		if err := json.Unmarshal(f.Spec, &spec); err != nil {
			s.logger.Warn().Err(err).Msg("spec payload decode failed")
			return
		}
		// Terminal event: publish whatever is buffered immediately.
		flushed := s.buffer.Flush()
		s.stateMu.Lock()
		if flushed != "" {
			s.streaming = flushed
		}
		s.result = &spec
		deliver := !s.resultDelivered && s.OnResult != nil
		s.resultDelivered = true
		s.typing = false
		s.stateMu.Unlock()
		if deliver {
			s.OnResult(spec)
		}
		s.notifyUpdate()

	case "session_reset":
		// Server-initiated reset, e.g. idle timeout.
		s.stateMu.Lock()
		s.messages = nil
		s.streaming = ""
		s.typing = false
		s.result = nil
		s.resultDelivered = false
		s.stateMu.Unlock()
		s.buffer.Reset()
		s.notifyUpdate()

	case "status":
		if f.Status == "processing" {
			s.stateMu.Lock()
			s.typing = true
			s.stateMu.Unlock()
			s.notifyUpdate()
		}

	case "error":
		serr := &serrors.ServerError{Message: f.Message}
		s.stateMu.Lock()
		s.lastErr = serr
		s.typing = false
		s.stateMu.Unlock()
		s.logger.Warn().Err(serr).Msg("server reported error")
		s.notifyUpdate()

	default:
		s.logger.Debug().Str("type", f.Type).Msg("unknown frame ignored")
	}
}

// finalizeAssistantLocked fills the open assistant placeholder. Caller
// must hold stateMu.
func (s *Session) finalizeAssistantLocked(content string) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant {
			s.messages[i].Content = content
			return
		}
	}
	// No placeholder (e.g. rehydrated mid-stream); append instead.
	s.messages = append(s.messages, models.ConversationMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Session) notifyUpdate() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) handleTransportFailure(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.logger.Warn().Err(err).Msg("chat transport failure")
	s.open = false
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	delay := s.cfg.Backoff.Delay(s.attempt)
	s.attempt++
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	if s.OnTransportFailure != nil {
		s.OnTransportFailure()
	}
}

func (s *Session) reconnect(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.open {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordReconnect("chat")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.dial(ctx, gen); err != nil {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		delay := s.cfg.Backoff.Delay(s.attempt)
		s.attempt++
		s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
		s.mu.Unlock()
		s.logger.Debug().Err(err).Dur("next_attempt_in", delay).Msg("reconnect failed")
	}
}
