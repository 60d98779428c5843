// Package heartbeat probes a tunnel link for liveness.
//
// A Monitor sends one ping frame per interval through a Sender and arms a
// timeout; the transport reports matching pong frames via Pong. At most one
// probe is outstanding at a time. A probe that times out declares the link
// dead exactly once, after which the monitor stops itself and the
// reconnection layer takes over.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender delivers a ping frame over the link. Implemented by the link layer.
type Sender interface {
	SendPing(id string) error
}

// Config holds the probe timings. Zero values fall back to the defaults.
type Config struct {
	Interval time.Duration // default 30s
	Timeout  time.Duration // default 45s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 45 * time.Second
	}
	return out
}

// Monitor watches one link.
type Monitor struct {
	identity string
	sender   Sender
	cfg      Config

	mu          sync.Mutex
	outstanding string // in-flight probe id, empty when none
	sentAt      time.Time
	lastPong    time.Time
	timeoutTmr  *time.Timer
	dead        bool
	running     bool

	onDead func(identity string, lastPong time.Time)
	onRTT  func(identity string, rtt time.Duration)

	stop chan struct{}
	done chan struct{}

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates a Monitor for one identity's link.
func New(identity string, sender Sender, cfg Config) *Monitor {
	return &Monitor{
		identity: identity,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// OnDead registers the callback fired once when the link is declared dead.
// Must be called before Start.
func (m *Monitor) OnDead(cb func(identity string, lastPong time.Time)) {
	m.onDead = cb
}

// OnRTT registers an observer for measured round-trip times. Must be called
// before Start.
func (m *Monitor) OnRTT(cb func(identity string, rtt time.Duration)) {
	m.onRTT = cb
}

// Start begins probing. Returns immediately; probing stops when ctx is
// cancelled, Stop is called, or the link is declared dead.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.dead {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.lastPong = m.nowFunc()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.disarm()
			return
		case <-m.stop:
			m.disarm()
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe sends a ping unless one is already outstanding.
func (m *Monitor) probe() {
	m.mu.Lock()
	if m.dead || m.outstanding != "" {
		m.mu.Unlock()
		return
	}
	id := uuid.NewString()
	m.outstanding = id
	m.sentAt = m.nowFunc()
	m.timeoutTmr = time.AfterFunc(m.cfg.Timeout, func() { m.expire(id) })
	m.mu.Unlock()

	if err := m.sender.SendPing(id); err != nil {
		// A failed send means the link is already broken; let the
		// timeout declare it dead rather than racing the transport.
		log.Printf("heartbeat: send ping for %q: %v", m.identity, err)
	}
}

// Pong resolves an outstanding probe. Pongs for unknown or stale probe ids
// are ignored.
func (m *Monitor) Pong(id string) {
	m.mu.Lock()
	if m.dead || id == "" || id != m.outstanding {
		m.mu.Unlock()
		return
	}
	now := m.nowFunc()
	rtt := now.Sub(m.sentAt)
	m.outstanding = ""
	m.lastPong = now
	if m.timeoutTmr != nil {
		m.timeoutTmr.Stop()
		m.timeoutTmr = nil
	}
	cb := m.onRTT
	m.mu.Unlock()

	if cb != nil {
		cb(m.identity, rtt)
	}
}

// expire declares the link dead if the probe is still unanswered.
func (m *Monitor) expire(id string) {
	m.mu.Lock()
	if m.dead || id != m.outstanding {
		m.mu.Unlock()
		return
	}
	m.dead = true
	m.outstanding = ""
	lastPong := m.lastPong
	cb := m.onDead
	m.mu.Unlock()

	log.Printf("heartbeat: link for %q dead, no pong within %s (last pong %s)",
		m.identity, m.cfg.Timeout, lastPong.Format(time.RFC3339))
	m.Stop()
	if cb != nil {
		cb(m.identity, lastPong)
	}
}

func (m *Monitor) disarm() {
	m.mu.Lock()
	if m.timeoutTmr != nil {
		m.timeoutTmr.Stop()
		m.timeoutTmr = nil
	}
	m.outstanding = ""
	m.mu.Unlock()
}

// Stop halts probing. Safe to call more than once and from callbacks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stop
	m.mu.Unlock()
	close(stop)
}

// Wait blocks until the probe loop has exited. Used by tests and shutdown.
func (m *Monitor) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// LastPong returns the time of the most recent answered probe.
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Dead reports whether the link has been declared dead.
func (m *Monitor) Dead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}
