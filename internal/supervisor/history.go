package supervisor

import (
	"sync"
	"time"
)

// EventKind classifies a connection history entry.
type EventKind string

const (
	KindConnected    EventKind = "connected"
	KindDialFailed   EventKind = "dial_failed"
	KindDisconnected EventKind = "disconnected"
	KindLivenessLost EventKind = "liveness_lost"
	KindStopped      EventKind = "stopped"
)

// ConnectionEvent is one entry in the supervisor's history.
type ConnectionEvent struct {
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Target  string    `json:"target,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// History is a fixed-capacity circular log of connection events. Once full,
// the oldest entry is overwritten.
type History struct {
	mu       sync.RWMutex
	buf      []ConnectionEvent
	capacity int
	next     int
	full     bool
}

// NewHistory creates a history holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		buf:      make([]ConnectionEvent, capacity),
		capacity: capacity,
	}
}

// Add records ev, stamping it with the current time if it has none.
func (h *History) Add(ev ConnectionEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = ev
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// Events returns the recorded events, oldest first.
func (h *History) Events() []ConnectionEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]ConnectionEvent, h.next)
		copy(out, h.buf[:h.next])
		return out
	}

	out := make([]ConnectionEvent, 0, h.capacity)
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Len returns the number of recorded events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.capacity
	}
	return h.next
}
