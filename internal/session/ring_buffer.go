package session

import "sync"

// RingBuffer keeps the most recent events of a session for late
// subscribers. Consecutive text deltas of one message are stored as a
// single event, so a long reply does not push action and terminal events
// out of the window.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	dropped  int
}

// NewRingBuffer creates a ring buffer holding at most capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Write appends an event, evicting the oldest one when full.
func (rb *RingBuffer) Write(event Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n := len(rb.events); n > 0 && event.Type == EventText {
		last := &rb.events[n-1]
		if last.Type == EventText && last.MessageID == event.MessageID {
			last.Data += event.Data
			return
		}
	}

	if len(rb.events) == rb.capacity {
		copy(rb.events, rb.events[1:])
		rb.events = rb.events[:rb.capacity-1]
		rb.dropped++
	}
	rb.events = append(rb.events, event)
}

// ReadAll returns a copy of the buffered events, oldest first.
func (rb *RingBuffer) ReadAll() []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]Event, len(rb.events))
	copy(result, rb.events)
	return result
}

// Dropped reports how many events were evicted.
func (rb *RingBuffer) Dropped() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}
