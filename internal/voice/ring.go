package voice

import (
	"encoding/json"
	"sync"
)

const defaultEventBuffer = 500

// eventRing keeps the most recent raw inbound events. When full, the oldest is overwritten.
type eventRing struct {
	buf  []json.RawMessage
	size int
	head int // next write position
	full bool
	mu   sync.RWMutex
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventRing{buf: make([]json.RawMessage, size), size: size}
}

func (r *eventRing) Add(ev json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered events oldest first.
func (r *eventRing) Snapshot() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]json.RawMessage, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]json.RawMessage, 0, r.size)
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

func (r *eventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.size
	}
	return r.head
}
