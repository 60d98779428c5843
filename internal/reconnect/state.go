// state.go implements link state tracking for the reconnect package.
//
// Each tunnel identity has a ConnectionState (Disconnected, Connecting,
// Connected, Reconnecting, Failed) that is updated by the Manager lifecycle
// and can also be set by the transport. State transitions are recorded in a
// per-identity ring buffer (50 entries) for diagnostics, and registered
// callbacks are invoked on every state change for metrics or alerting.

package reconnect

import (
	"sync"
	"time"
)

// ConnectionState represents the current state of a tunnel link.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per identity for diagnostics.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called when a link state changes.
// Callbacks are invoked synchronously — long-running handlers should spawn goroutines.
type StateChangeCallback func(identity string, from, to ConnectionState)

// stateEntry tracks the current state and transition history for one identity.
type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // total entries written (capped at buffer size for reads)
}

// record adds a state transition to the ring buffer.
func (e *stateEntry) record(from, to ConnectionState, reason string, now time.Time) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		// Buffer not yet full — entries start at index 0.
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full — head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker manages per-identity link state, transition history, and
// state change callbacks. It is embedded in Manager.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
	nowFunc   func() time.Time
}

// newStateTracker creates an initialized stateTracker.
func newStateTracker() *stateTracker {
	return &stateTracker{
		states:  make(map[string]*stateEntry),
		nowFunc: time.Now,
	}
}

// getOrCreate returns the state entry for an identity, creating it if needed.
// Caller must hold st.mu (write lock).
func (st *stateTracker) getOrCreate(identity string) *stateEntry {
	entry, ok := st.states[identity]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[identity] = entry
	}
	return entry
}

// setState updates the link state for an identity, records the transition,
// and invokes callbacks. If the state is unchanged, this is a no-op.
func (st *stateTracker) setState(identity string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry := st.getOrCreate(identity)
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason, st.nowFunc())

	// Copy callbacks under lock, invoke outside lock
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(identity, from, state)
	}
}

// getState returns the current link state for an identity.
// Returns StateDisconnected if the identity has no tracked state.
func (st *stateTracker) getState(identity string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[identity]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

// getTransitions returns the state transition history for an identity
// in chronological order (oldest first).
func (st *stateTracker) getTransitions(identity string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[identity]
	if !ok {
		return nil
	}
	return entry.history()
}

// onStateChange registers a callback for state changes.
func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// remove deletes all state tracking for an identity.
func (st *stateTracker) remove(identity string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, identity)
}
