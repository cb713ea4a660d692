package chat

import "sync"

// DefaultHistorySize is used when a non-positive history size is configured.
const DefaultHistorySize = 100

// History is a fixed-capacity ring of the most recent messages.
type History struct {
	mu    sync.RWMutex
	ring  []Message
	start int
	count int
}

// NewHistory returns an empty ring holding up to size messages.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{ring: make([]Message, size)}
}

// Append stores msg, overwriting the oldest entry once the ring is full.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == len(h.ring) {
		h.ring[h.start] = msg
		h.start = (h.start + 1) % len(h.ring)
		return
	}
	h.ring[(h.start+h.count)%len(h.ring)] = msg
	h.count++
}

// ReadLast returns up to k of the most recent messages, oldest first. The
// returned messages do not share payload memory with the ring.
func (h *History) ReadLast(k int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || h.count == 0 {
		return nil
	}
	if k > h.count {
		k = h.count
	}

	out := make([]Message, k)
	first := h.start + h.count - k
	for i := range out {
		m := h.ring[(first+i)%len(h.ring)]
		m.Payload = append([]byte(nil), m.Payload...)
		out[i] = m
	}
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.ring) }

// Reset discards every stored message.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.ring)
	h.start = 0
	h.count = 0
}
