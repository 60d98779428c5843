// Package breaker implements a circuit breaker for calls to the backend
// session.
//
// The breaker walks Closed → Open → HalfOpen → Closed. It opens after a run
// of consecutive failures, fails fast while open, and half-opens after a
// reset timeout to probe recovery with live calls. Counters are plain
// consecutive counts, not a rolling window: a success in Closed resets the
// failure count to zero.
//
// The Open→HalfOpen transition is evaluated lazily at Execute time from the
// time spent in Open, so no background timer is needed and the breaker stays
// fully testable with an injected clock.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
type ErrCircuitOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// Taxonomy returns the taxonomy form of the error (Server category,
// retryable after the reset timeout).
func (e *ErrCircuitOpen) Taxonomy() *terrors.Error {
	return terrors.Wrap(terrors.CategoryServer, "circuit_open",
		fmt.Sprintf("backend calls suspended, retry after %s", e.RetryAfter), true, e)
}

// Config holds breaker thresholds. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures to open (default 5)
	SuccessThreshold int           // consecutive half-open successes to close (default 2)
	ResetTimeout     time.Duration // open duration before probing (default 60s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = 2
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = 60 * time.Second
	}
	return out
}

// StateChangeCallback is invoked on every state transition.
// Callbacks are called synchronously — long-running handlers should spawn goroutines.
type StateChangeCallback func(name string, from, to State)

// Counts is a snapshot of the breaker's counters for diagnostics.
type Counts struct {
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastTransition       time.Time `json:"last_transition,omitempty"`
}

// Breaker protects one call path to a backend target.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
	callbacks      []StateChangeCallback

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates a closed breaker for the named call path.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// OnStateChange registers a callback invoked on every transition.
func (b *Breaker) OnStateChange(cb StateChangeCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// pendingChange carries a transition out of the critical section so
// callbacks run without holding b.mu.
type pendingChange struct {
	from, to State
	cbs      []StateChangeCallback
}

// transition moves the breaker to a new state. Caller must hold b.mu; the
// returned change must be fired after unlocking.
func (b *Breaker) transition(to State) pendingChange {
	from := b.state
	if from == to {
		return pendingChange{}
	}
	b.state = to
	b.lastTransition = b.nowFunc()
	b.failures = 0
	b.successes = 0

	log.Printf("breaker: %s %s -> %s", b.name, from, to)

	cbs := make([]StateChangeCallback, len(b.callbacks))
	copy(cbs, b.callbacks)
	return pendingChange{from: from, to: to, cbs: cbs}
}

// fire invokes transition callbacks outside the lock.
func (b *Breaker) fire(ch pendingChange) {
	for _, cb := range ch.cbs {
		cb(b.name, ch.from, ch.to)
	}
}

// Execute runs fn under the breaker. While open it fails fast with
// *ErrCircuitOpen without invoking fn; otherwise fn's own error is returned
// and the outcome updates the breaker's counters.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit checks whether a call may proceed, handling the lazy Open→HalfOpen
// transition.
func (b *Breaker) admit() error {
	b.mu.Lock()

	if b.state == StateOpen {
		elapsed := b.nowFunc().Sub(b.lastTransition)
		if elapsed < b.cfg.ResetTimeout {
			retryAfter := b.cfg.ResetTimeout - elapsed
			b.mu.Unlock()
			return &ErrCircuitOpen{Name: b.name, RetryAfter: retryAfter}
		}
		ch := b.transition(StateHalfOpen)
		b.mu.Unlock()
		b.fire(ch)
		return nil
	}

	b.mu.Unlock()
	return nil
}

// record updates counters from one call outcome and applies transitions.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	var ch pendingChange

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			b.lastFailure = b.nowFunc()
			if b.failures >= b.cfg.FailureThreshold {
				ch = b.transition(StateOpen)
			}
		}

	case StateHalfOpen:
		if success {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				ch = b.transition(StateClosed)
			}
		} else {
			// Any probe failure reopens immediately.
			b.lastFailure = b.nowFunc()
			ch = b.transition(StateOpen)
		}
	}

	b.mu.Unlock()
	b.fire(ch)
}

// State returns the current state, applying the lazy Open→HalfOpen
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	if b.state == StateOpen && b.nowFunc().Sub(b.lastTransition) >= b.cfg.ResetTimeout {
		ch := b.transition(StateHalfOpen)
		b.mu.Unlock()
		b.fire(ch)
		return StateHalfOpen
	}
	s := b.state
	b.mu.Unlock()
	return s
}

// Counts returns a diagnostic snapshot.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
		LastTransition:       b.lastTransition,
	}
}
