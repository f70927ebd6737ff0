package chat

import (
	"strings"
	"sync"
	"time"
)

// StreamingBuffer accumulates inbound token fragments and rate-limits
// how often the accumulated text is published downstream. Fast token
// streams would otherwise invalidate the consumer on every fragment.
// Terminal events bypass the throttle via Flush.
type StreamingBuffer struct {
	mu          sync.Mutex
	buf         strings.Builder
	interval    time.Duration
	lastPublish time.Time
}

// NewStreamingBuffer creates a buffer with the given publish interval.
func NewStreamingBuffer(interval time.Duration) *StreamingBuffer {
	return &StreamingBuffer{interval: interval}
}

// Append adds a fragment. It returns the full accumulated text and true
// when at least one interval has elapsed since the previous publish;
// otherwise it returns "" and false and the fragment stays buffered.
func (b *StreamingBuffer) Append(fragment string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.WriteString(fragment)
	now := time.Now()
	if now.Sub(b.lastPublish) < b.interval {
		return "", false
	}
	b.lastPublish = now
	return b.buf.String(), true
}

// Flush returns the full accumulated text unconditionally and marks it
// published.
func (b *StreamingBuffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPublish = time.Now()
	return b.buf.String()
}

// Reset clears the buffer and the throttle window, ready for a new turn.
func (b *StreamingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.lastPublish = time.Time{}
}

// Len returns the accumulated length.
func (b *StreamingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
