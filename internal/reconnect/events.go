// events.go implements link event logging for the reconnect package.
//
// It stores ConnectionEvents emitted by the Manager lifecycle (reconnecting,
// reconnected, reconnect failure, link death) in a per-identity ring buffer
// (100 entries) for later retrieval over the diagnostics endpoint. This
// complements the state transition history in state.go, which tracks state
// changes, while events.go tracks individual actions and their outcomes.

package reconnect

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per identity.
const eventBufferSize = 100

// ConnectionEventType defines the type of link state change event.
type ConnectionEventType string

const (
	EventConnected       ConnectionEventType = "connected"
	EventDisconnected    ConnectionEventType = "disconnected"
	EventLinkDead        ConnectionEventType = "link_dead"
	EventReconnecting    ConnectionEventType = "reconnecting"
	EventReconnected     ConnectionEventType = "reconnected"
	EventReconnectFailed ConnectionEventType = "reconnect_failed"
)

// ConnectionEvent represents a link state change event.
type ConnectionEvent struct {
	Identity  string              `json:"identity"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details"`
}

// EventListener is a callback for link state change events.
// Listeners are called synchronously — long-running handlers should spawn goroutines.
type EventListener func(event ConnectionEvent)

// eventBuffer is a fixed-size ring buffer of ConnectionEvents for one identity.
type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int // next write position
	count  int // total entries written (capped at buffer size for reads)
}

// record adds an event to the ring buffer.
func (b *eventBuffer) record(event ConnectionEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}

	result := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full — head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

// eventLog manages per-identity event ring buffers.
type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
}

// newEventLog creates an initialized eventLog.
func newEventLog() *eventLog {
	return &eventLog{
		buffers: make(map[string]*eventBuffer),
	}
}

// recordEvent stores an event in the identity's ring buffer.
func (el *eventLog) recordEvent(event ConnectionEvent) {
	el.mu.Lock()
	defer el.mu.Unlock()

	buf, ok := el.buffers[event.Identity]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.Identity] = buf
	}
	buf.record(event)
}

// getEvents returns the recorded events for an identity, oldest first.
func (el *eventLog) getEvents(identity string) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[identity]
	if !ok {
		return nil
	}
	return buf.history()
}

// remove deletes the event buffer for an identity.
func (el *eventLog) remove(identity string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.buffers, identity)
}
