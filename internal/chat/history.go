package chat

import (
	"sync"

	"github.com/vibe/chat-app/internal/protocol"
)

// MaxHistoryMessages caps how many messages a live pair retains.
const MaxHistoryMessages = 100

// History stores the messages of each live pair in memory, keyed by the
// sorted member identities. A pair's buffer exists only while the pair does;
// Drop is called on teardown, so nothing survives the pairing. Goroutine-safe.
type History struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer
}

// ringBuffer is a fixed-size circular buffer of envelopes.
type ringBuffer struct {
	items []*protocol.Envelope
	pos   int
	count int
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{buffers: make(map[string]*ringBuffer)}
}

// pairKey builds an order-independent key for a pair of identities.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Add records a chat message for the pair. The envelope is stored as given;
// callers pass the partner-facing copy.
func (h *History) Add(a, b string, env *protocol.Envelope) {
	key := pairKey(a, b)

	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[key]
	if !ok {
		rb = &ringBuffer{items: make([]*protocol.Envelope, MaxHistoryMessages)}
		h.buffers[key] = rb
	}

	rb.items[rb.pos] = env
	rb.pos = (rb.pos + 1) % MaxHistoryMessages
	if rb.count < MaxHistoryMessages {
		rb.count++
	}
}

// Messages returns the pair's messages in chronological order.
func (h *History) Messages(a, b string) []*protocol.Envelope {
	key := pairKey(a, b)

	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[key]
	if !ok {
		return nil
	}

	out := make([]*protocol.Envelope, 0, rb.count)
	start := rb.pos - rb.count
	if start < 0 {
		start += MaxHistoryMessages
	}
	for i := 0; i < rb.count; i++ {
		out = append(out, rb.items[(start+i)%MaxHistoryMessages])
	}
	return out
}

// MarkRead flips the read flag of the identified message and returns the
// sender of that message, or "" if the message is not in the buffer.
func (h *History) MarkRead(a, b, messageID string) string {
	key := pairKey(a, b)

	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[key]
	if !ok {
		return ""
	}
	for _, env := range rb.items {
		if env != nil && env.ID == messageID {
			env.Read = protocol.Bool(true)
			return env.Sender
		}
	}
	return ""
}

// Drop discards the pair's buffer. Called when the pair is torn down.
func (h *History) Drop(a, b string) {
	key := pairKey(a, b)
	h.mu.Lock()
	delete(h.buffers, key)
	h.mu.Unlock()
}

// Size returns the number of live pair buffers, for stats.
func (h *History) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffers)
}
