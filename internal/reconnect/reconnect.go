// reconnect.go implements automatic tunnel re-establishment with exponential
// backoff for the reconnect package.
//
// When the heartbeat monitor declares a link dead, Trigger launches an
// asynchronous reconnection goroutine. Attempts retry with jittered
// exponential backoff (2s base, doubling, 60s cap, +/-30% jitter) up to a
// configured attempt limit. While reconnecting, forwards for the identity
// are queued rather than rejected; on success the Manager notifies
// listeners so queued operations can be flushed.
//
// Link state change events (reconnecting, reconnected, reconnect_failed,
// etc.) are emitted to registered EventListeners and retained in a
// per-identity ring buffer for diagnostics.

package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gluk-w/tunnelcore/internal/logutil"
	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// Connector establishes a fresh tunnel link for an identity. Implemented by
// the link layer.
type Connector interface {
	Connect(ctx context.Context, identity string) error
}

// Config holds the backoff schedule. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int           // default 10
	BackoffBase time.Duration // default 2s
	BackoffMax  time.Duration // default 60s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 60 * time.Second
	}
	return out
}

// jitterPercent is the +/- randomization applied to each backoff delay so a
// fleet of clients does not reconnect in lockstep.
const jitterPercent = 30

// newBackoff builds the jittered, capped, attempt-limited backoff schedule.
func newBackoff(cfg Config) retry.Backoff {
	b := retry.NewExponential(cfg.BackoffBase)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(cfg.BackoffMax, b)
	// MaxRetries counts retries after the first attempt.
	b = retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
	return b
}

// Manager coordinates reconnection across identities. At most one
// reconnection runs per identity at a time.
type Manager struct {
	connector Connector
	cfg       Config

	tracker *stateTracker
	events  *eventLog

	mu             sync.RWMutex
	reconnecting   map[string]context.CancelFunc
	eventListeners []EventListener

	// onAttempt is invoked once per connection attempt, for metrics.
	onAttempt func(identity string)
}

// NewManager creates a Manager that uses connector to re-establish links.
func NewManager(connector Connector, cfg Config) *Manager {
	return &Manager{
		connector:    connector,
		cfg:          cfg.withDefaults(),
		tracker:      newStateTracker(),
		events:       newEventLog(),
		reconnecting: make(map[string]context.CancelFunc),
	}
}

// OnEvent registers a listener for link state change events. Listen for
// EventReconnected to flush queued operations.
func (m *Manager) OnEvent(listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventListeners = append(m.eventListeners, listener)
}

// OnStateChange registers a callback that is invoked on every link state
// change. Callbacks are called synchronously — long-running handlers should
// spawn goroutines.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.tracker.onStateChange(cb)
}

// OnAttempt registers an observer invoked once per connection attempt.
func (m *Manager) OnAttempt(cb func(identity string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttempt = cb
}

// emitEvent records an event and notifies all registered listeners.
func (m *Manager) emitEvent(event ConnectionEvent) {
	m.events.recordEvent(event)

	m.mu.RLock()
	listeners := make([]EventListener, len(m.eventListeners))
	copy(listeners, m.eventListeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// State returns the current link state for an identity.
func (m *Manager) State(identity string) ConnectionState {
	return m.tracker.getState(identity)
}

// SetState updates the link state directly. Used by the transport when a
// link is established or torn down outside a reconnection cycle.
func (m *Manager) SetState(identity string, state ConnectionState, reason string) {
	m.tracker.setState(identity, state, reason)
	switch state {
	case StateConnected:
		m.emitEvent(ConnectionEvent{Identity: identity, Type: EventConnected, Timestamp: time.Now(), Details: reason})
	case StateDisconnected:
		m.emitEvent(ConnectionEvent{Identity: identity, Type: EventDisconnected, Timestamp: time.Now(), Details: reason})
	}
}

// Transitions returns the recent state transition history for an identity,
// oldest first. Up to 50 transitions are retained.
func (m *Manager) Transitions(identity string) []StateTransition {
	return m.tracker.getTransitions(identity)
}

// Events returns the recorded link events for an identity, oldest first.
// Up to 100 events are retained.
func (m *Manager) Events(identity string) []ConnectionEvent {
	return m.events.getEvents(identity)
}

// Reconnecting reports whether a reconnection is in progress for an identity.
func (m *Manager) Reconnecting(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.reconnecting[identity]
	return ok
}

// ReconnectWithBackoff attempts to re-establish the link for an identity.
//
// It blocks until reconnection succeeds, the attempt limit is exhausted, or
// the context is cancelled. Exhaustion yields a terminal (non-retryable)
// error and leaves the identity in StateFailed; cancellation leaves it
// StateDisconnected. It is safe to call concurrently for different
// identities; for the same identity, use Trigger which deduplicates.
func (m *Manager) ReconnectWithBackoff(ctx context.Context, identity, reason string) error {
	log.Printf("reconnect: re-establishing link for %q (reason: %s)", identity, logutil.SanitizeForLog(reason))

	m.tracker.setState(identity, StateReconnecting, reason)
	m.emitEvent(ConnectionEvent{
		Identity:  identity,
		Type:      EventReconnecting,
		Timestamp: time.Now(),
		Details:   reason,
	})

	attempt := 0
	var lastErr error

	err := retry.Do(ctx, newBackoff(m.cfg), func(ctx context.Context) error {
		attempt++
		m.mu.RLock()
		onAttempt := m.onAttempt
		m.mu.RUnlock()
		if onAttempt != nil {
			onAttempt(identity)
		}

		log.Printf("reconnect: attempt %d/%d for %q", attempt, m.cfg.MaxAttempts, identity)
		if err := m.connector.Connect(ctx, identity); err != nil {
			lastErr = err
			log.Printf("reconnect: attempt %d for %q failed: %v", attempt, identity, err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if err == nil {
		log.Printf("reconnect: link for %q restored after %d attempt(s)", identity, attempt)
		m.tracker.setState(identity, StateConnected, fmt.Sprintf("reconnected after %d attempt(s)", attempt))
		m.emitEvent(ConnectionEvent{
			Identity:  identity,
			Type:      EventReconnected,
			Timestamp: time.Now(),
			Details:   fmt.Sprintf("reconnected after %d attempt(s) (reason: %s)", attempt, reason),
		})
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.tracker.setState(identity, StateDisconnected, "reconnection cancelled")
		return err
	}

	// Attempt limit exhausted.
	detail := fmt.Sprintf("gave up after %d attempts: %v", attempt, lastErr)
	log.Printf("reconnect: link for %q failed permanently: %s", identity, detail)
	m.tracker.setState(identity, StateFailed, detail)
	m.emitEvent(ConnectionEvent{
		Identity:  identity,
		Type:      EventReconnectFailed,
		Timestamp: time.Now(),
		Details:   detail,
	})

	return &terrors.Error{
		Code:      "reconnect_exhausted",
		Message:   fmt.Sprintf("reconnect for %q failed after %d attempts", identity, attempt),
		Category:  terrors.CategoryOf(lastErr),
		Retryable: false,
		Cause:     lastErr,
	}
}

// Trigger starts an asynchronous reconnection for an identity. It returns
// immediately. Only one reconnection runs per identity at a time; duplicate
// calls for the same identity are silently dropped.
func (m *Manager) Trigger(identity, reason string) {
	m.mu.Lock()
	if _, inProgress := m.reconnecting[identity]; inProgress {
		m.mu.Unlock()
		log.Printf("reconnect: already in progress for %q, skipping", identity)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.reconnecting[identity] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, identity)
			m.mu.Unlock()
			cancel()
		}()

		if err := m.ReconnectWithBackoff(ctx, identity, reason); err != nil {
			log.Printf("reconnect: async reconnection for %q: %v", identity, err)
		}
	}()
}

// Cancel stops an in-progress reconnection for one identity, if any.
func (m *Manager) Cancel(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.reconnecting[identity]; ok {
		cancel()
		delete(m.reconnecting, identity)
	}
}

// CancelAll cancels all in-progress reconnection goroutines.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, cancel := range m.reconnecting {
		cancel()
		delete(m.reconnecting, identity)
	}
}

// Remove deletes all tracking for an identity.
func (m *Manager) Remove(identity string) {
	m.Cancel(identity)
	m.tracker.remove(identity)
	m.events.remove(identity)
}
