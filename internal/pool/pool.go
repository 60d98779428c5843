// Package pool owns the multiplexed backend sessions, one set per identity.
//
// A BackendSession wraps a yamux session carrying up to a configured number
// of concurrent channels (streams). One identity may hold several sessions
// (default 3); sessions are never shared across identities — this is the
// primary multi-tenant isolation boundary. Acquire prefers an existing
// healthy session with spare channel capacity and only dials a new one when
// the identity is under its session cap.
//
// Each identity's session set lives behind its own lock; no pool-wide lock
// spans identities, and the idle-eviction sweep locks one identity at a
// time.
package pool

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MuxSession is the subset of a yamux session the pool relies on.
// *yamux.Session satisfies it.
type MuxSession interface {
	Open() (net.Conn, error)
	NumStreams() int
	IsClosed() bool
	Close() error
}

// Dialer establishes a new multiplexed session to the backend for one
// identity. Called with the identity's pool lock held, so concurrent
// acquisition cannot overshoot the session cap.
type Dialer func(ctx context.Context, identity string) (MuxSession, error)

// ErrLimitExceeded is returned by Acquire when an identity is at its
// session cap with no spare channel capacity.
type ErrLimitExceeded struct {
	Identity   string
	SessionCap int
	ChannelCap int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("identity %q at limit: %d sessions x %d channels", e.Identity, e.SessionCap, e.ChannelCap)
}

// Config holds the pool limits. Zero values fall back to the defaults.
type Config struct {
	SessionsPerIdentity int           // default 3
	ChannelsPerSession  int           // default 10
	MaxIdle             time.Duration // default 5m
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SessionsPerIdentity <= 0 {
		out.SessionsPerIdentity = 3
	}
	if out.ChannelsPerSession <= 0 {
		out.ChannelsPerSession = 10
	}
	if out.MaxIdle <= 0 {
		out.MaxIdle = 5 * time.Minute
	}
	return out
}

// BackendSession is one multiplexed connection to the backend for one
// identity.
type BackendSession struct {
	ID       string
	Identity string

	mux MuxSession

	mu        sync.Mutex
	createdAt time.Time
	lastUsed  time.Time
	channels  int
}

// Channels returns the number of currently open channels.
func (s *BackendSession) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

// LastUsed returns the session's last-activity timestamp.
func (s *BackendSession) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// touch updates the last-activity timestamp.
func (s *BackendSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

// hasSpare reports whether another channel fits under cap on a live mux.
func (s *BackendSession) hasSpare(limit int) bool {
	if s.mux.IsClosed() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels < limit
}

// channelConn wraps an open channel and decrements the session's channel
// count exactly once on close.
type channelConn struct {
	net.Conn
	session   *BackendSession
	closeOnce sync.Once
}

func (c *channelConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.session.mu.Lock()
		c.session.channels--
		c.session.mu.Unlock()
	})
	return err
}

// identityPool is the independently locked session set for one identity.
type identityPool struct {
	mu       sync.Mutex
	sessions []*BackendSession
}

// Pool manages backend sessions per identity.
type Pool struct {
	cfg  Config
	dial Dialer

	mu         sync.RWMutex
	identities map[string]*identityPool

	// Clock function for testing.
	nowFunc func() time.Time
}

// New creates a Pool using dial to establish backend sessions.
func New(cfg Config, dial Dialer) *Pool {
	return &Pool{
		cfg:        cfg.withDefaults(),
		dial:       dial,
		identities: make(map[string]*identityPool),
		nowFunc:    time.Now,
	}
}

// getOrCreate returns the session set for an identity, creating it on first
// use.
func (p *Pool) getOrCreate(identity string) *identityPool {
	p.mu.RLock()
	ip, ok := p.identities[identity]
	p.mu.RUnlock()
	if ok {
		return ip
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ip, ok = p.identities[identity]; ok {
		return ip
	}
	ip = &identityPool{}
	p.identities[identity] = ip
	return ip
}

// Acquire returns a session for the identity with spare channel capacity,
// dialing a new one when allowed. The session-count check and dial happen
// under the identity's lock so concurrent callers cannot exceed the cap.
func (p *Pool) Acquire(ctx context.Context, identity string) (*BackendSession, error) {
	ip := p.getOrCreate(identity)
	now := p.nowFunc()

	ip.mu.Lock()
	defer ip.mu.Unlock()

	// Drop sessions whose mux died underneath us.
	live := ip.sessions[:0]
	for _, s := range ip.sessions {
		if s.mux.IsClosed() {
			log.Printf("pool: dropping dead session %s for identity %q", s.ID, identity)
			continue
		}
		live = append(live, s)
	}
	ip.sessions = live

	// Prefer an existing session with spare channel capacity.
	for _, s := range ip.sessions {
		if s.hasSpare(p.cfg.ChannelsPerSession) {
			s.touch(now)
			return s, nil
		}
	}

	if len(ip.sessions) >= p.cfg.SessionsPerIdentity {
		return nil, &ErrLimitExceeded{
			Identity:   identity,
			SessionCap: p.cfg.SessionsPerIdentity,
			ChannelCap: p.cfg.ChannelsPerSession,
		}
	}

	mux, err := p.dial(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("dial backend session for identity %q: %w", identity, err)
	}

	s := &BackendSession{
		ID:        uuid.NewString(),
		Identity:  identity,
		mux:       mux,
		createdAt: now,
		lastUsed:  now,
	}
	ip.sessions = append(ip.sessions, s)
	log.Printf("pool: new session %s for identity %q (%d/%d)", s.ID, identity, len(ip.sessions), p.cfg.SessionsPerIdentity)
	return s, nil
}

// OpenChannel opens one multiplexed channel on the session, counting it
// against the channel cap. The returned conn must be closed by the caller.
func (p *Pool) OpenChannel(s *BackendSession) (net.Conn, error) {
	s.mu.Lock()
	if s.channels >= p.cfg.ChannelsPerSession {
		s.mu.Unlock()
		return nil, &ErrLimitExceeded{
			Identity:   s.Identity,
			SessionCap: p.cfg.SessionsPerIdentity,
			ChannelCap: p.cfg.ChannelsPerSession,
		}
	}
	s.channels++
	s.lastUsed = p.nowFunc()
	s.mu.Unlock()

	conn, err := s.mux.Open()
	if err != nil {
		s.mu.Lock()
		s.channels--
		s.mu.Unlock()
		return nil, fmt.Errorf("open channel on session %s: %w", s.ID, err)
	}
	return &channelConn{Conn: conn, session: s}, nil
}

// Release marks the session as recently used. Ownership stays with the
// pool; callers release after finishing a dispatch.
func (p *Pool) Release(identity string, s *BackendSession) {
	if s == nil {
		return
	}
	s.touch(p.nowFunc())
}

// EvictIdle closes and removes sessions unused for longer than maxIdle.
// Identities whose session set becomes empty are removed entirely. The
// sweep takes one identity lock at a time. Returns the number of sessions
// closed.
func (p *Pool) EvictIdle(maxIdle time.Duration) int {
	p.mu.RLock()
	names := make([]string, 0, len(p.identities))
	for identity := range p.identities {
		names = append(names, identity)
	}
	p.mu.RUnlock()

	now := p.nowFunc()
	evicted := 0

	for _, identity := range names {
		p.mu.RLock()
		ip, ok := p.identities[identity]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		ip.mu.Lock()
		kept := ip.sessions[:0]
		for _, s := range ip.sessions {
			if s.mux.IsClosed() || now.Sub(s.LastUsed()) > maxIdle {
				if err := s.mux.Close(); err != nil {
					log.Printf("pool: close idle session %s: %v", s.ID, err)
				}
				evicted++
				continue
			}
			kept = append(kept, s)
		}
		ip.sessions = kept
		empty := len(ip.sessions) == 0
		ip.mu.Unlock()

		if empty {
			p.mu.Lock()
			if ip2, ok := p.identities[identity]; ok && ip2 == ip {
				ip.mu.Lock()
				if len(ip.sessions) == 0 {
					delete(p.identities, identity)
				}
				ip.mu.Unlock()
			}
			p.mu.Unlock()
		}
	}

	if evicted > 0 {
		log.Printf("pool: evicted %d idle session(s)", evicted)
	}
	return evicted
}

// Sweep runs EvictIdle with the configured MaxIdle. Wired to the periodic
// scheduler in main.
func (p *Pool) Sweep() {
	p.EvictIdle(p.cfg.MaxIdle)
}

// CloseIdentity closes all sessions for an identity and removes it.
func (p *Pool) CloseIdentity(identity string) {
	p.mu.Lock()
	ip, ok := p.identities[identity]
	if ok {
		delete(p.identities, identity)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	for _, s := range ip.sessions {
		s.mux.Close()
	}
	ip.sessions = nil
}

// CloseAll closes every session across all identities.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	identities := p.identities
	p.identities = make(map[string]*identityPool)
	p.mu.Unlock()

	for _, ip := range identities {
		ip.mu.Lock()
		for _, s := range ip.sessions {
			s.mux.Close()
		}
		ip.sessions = nil
		ip.mu.Unlock()
	}
}

// TotalSessions returns the number of live sessions across all identities,
// for the active-sessions gauge.
func (p *Pool) TotalSessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := 0
	for _, ip := range p.identities {
		ip.mu.Lock()
		total += len(ip.sessions)
		ip.mu.Unlock()
	}
	return total
}

// SessionState is a diagnostic snapshot of one session.
type SessionState struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Channels  int       `json:"channels"`
}

// Snapshot returns diagnostic state for all sessions, grouped by identity.
func (p *Pool) Snapshot() map[string][]SessionState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]SessionState, len(p.identities))
	for identity, ip := range p.identities {
		ip.mu.Lock()
		states := make([]SessionState, 0, len(ip.sessions))
		for _, s := range ip.sessions {
			s.mu.Lock()
			states = append(states, SessionState{
				ID:        s.ID,
				Identity:  s.Identity,
				CreatedAt: s.createdAt,
				LastUsed:  s.lastUsed,
				Channels:  s.channels,
			})
			s.mu.Unlock()
		}
		ip.mu.Unlock()
		if len(states) > 0 {
			out[identity] = states
		}
	}
	return out
}
