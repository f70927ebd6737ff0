package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_ThrottleWindow(t *testing.T) {
	b := NewStreamingBuffer(50 * time.Millisecond)

	// First fragment publishes immediately (fresh throttle window).
	got, due := b.Append("I ")
	assert.True(t, due)
	assert.Equal(t, "I ", got)

	// Fragments arriving faster than the window stay buffered.
	_, due = b.Append("think ")
	assert.False(t, due)
	_, due = b.Append("this is small.")
	assert.False(t, due)

	// After the window elapses the full accumulation publishes.
	time.Sleep(60 * time.Millisecond)
	got, due = b.Append("")
	assert.True(t, due)
	assert.Equal(t, "I think this is small.", got)
}

func TestBuffer_PublishesAtMostOncePerWindow(t *testing.T) {
	b := NewStreamingBuffer(50 * time.Millisecond)

	publishes := 0
	start := time.Now()
	for time.Since(start) < 120*time.Millisecond {
		if _, due := b.Append("x"); due {
			publishes++
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 120 ms of 5 ms-spaced fragments: the immediate publish plus at
	// most one per elapsed 50 ms window.
	assert.LessOrEqual(t, publishes, 4)
	assert.GreaterOrEqual(t, publishes, 2)
}

func TestBuffer_FlushBypassesThrottle(t *testing.T) {
	b := NewStreamingBuffer(time.Hour)

	b.Append("partial ")
	b.Append("content")
	assert.Equal(t, "partial content", b.Flush())
}

func TestBuffer_ResetClears(t *testing.T) {
	b := NewStreamingBuffer(50 * time.Millisecond)

	b.Append("stale")
	b.Reset()
	assert.Equal(t, 0, b.Len())

	// Reset also reopens the throttle window.
	got, due := b.Append("fresh")
	assert.True(t, due)
	assert.Equal(t, "fresh", got)
}
