// supervisor.go binds each identity's control link to a heartbeat monitor
// and turns probe timeouts into reconnection triggers.
//
// The transport hands fresh control links to Bind (initially and after each
// successful reconnect); the supervisor starts a monitor on the link,
// routes pongs back to it, and when the monitor declares the link dead it
// closes the link and asks the reconnection manager to take over.

package core

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/tunnelcore/internal/heartbeat"
	"github.com/gluk-w/tunnelcore/internal/metrics"
	"github.com/gluk-w/tunnelcore/internal/reconnect"
)

// ControlLink is the control channel the heartbeat rides on. Implemented by
// link.Control.
type ControlLink interface {
	SendPing(id string) error
	Close() error
}

// Supervisor owns the per-identity control link and heartbeat monitor.
type Supervisor struct {
	recon *reconnect.Manager
	hbCfg heartbeat.Config
	mets  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	links    map[string]ControlLink
	monitors map[string]*heartbeat.Monitor
}

// NewSupervisor creates a Supervisor. mets may be nil in tests.
func NewSupervisor(recon *reconnect.Manager, hbCfg heartbeat.Config, mets *metrics.Metrics) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		recon:    recon,
		hbCfg:    hbCfg,
		mets:     mets,
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]ControlLink),
		monitors: make(map[string]*heartbeat.Monitor),
	}
}

// Connect establishes the identity's link for the first time, reusing the
// reconnection backoff schedule for the initial dial.
func (s *Supervisor) Connect(ctx context.Context, identity string) error {
	return s.recon.ReconnectWithBackoff(ctx, identity, "initial connect")
}

// Bind installs a fresh control link for an identity, replacing and closing
// any previous one, and starts a heartbeat monitor on it. The transport
// calls this from its connected callback.
func (s *Supervisor) Bind(identity string, ctrl ControlLink) {
	monitor := heartbeat.New(identity, ctrl, s.hbCfg)
	monitor.OnDead(func(identity string, lastPong time.Time) {
		log.Printf("core: link for %q dead, last pong %s", identity, lastPong.Format(time.RFC3339))
		ctrl.Close()
		s.recon.Trigger(identity, "heartbeat timeout")
	})
	if s.mets != nil {
		monitor.OnRTT(func(identity string, rtt time.Duration) {
			s.mets.ObserveHeartbeatRTT(rtt.Seconds())
		})
	}
	s.bind(identity, ctrl, monitor)
}

func (s *Supervisor) bind(identity string, ctrl ControlLink, monitor *heartbeat.Monitor) {
	s.mu.Lock()
	old, hadLink := s.links[identity]
	oldMon, hadMon := s.monitors[identity]
	s.links[identity] = ctrl
	s.monitors[identity] = monitor
	s.mu.Unlock()

	if hadMon {
		oldMon.Stop()
	}
	if hadLink {
		old.Close()
	}

	monitor.Start(s.ctx)
	log.Printf("core: heartbeat bound for identity %q", identity)
}

// Pong routes a pong frame to the identity's monitor. Wired to the
// transport's pong callback.
func (s *Supervisor) Pong(identity, probeID string) {
	s.mu.Lock()
	monitor, ok := s.monitors[identity]
	s.mu.Unlock()
	if ok {
		monitor.Pong(probeID)
	}
}

// LinkUp reports whether any supervised identity has a connected link.
func (s *Supervisor) LinkUp() bool {
	s.mu.Lock()
	identities := make([]string, 0, len(s.links))
	for identity := range s.links {
		identities = append(identities, identity)
	}
	s.mu.Unlock()

	for _, identity := range identities {
		if s.recon.State(identity) == reconnect.StateConnected {
			return true
		}
	}
	return false
}

// LinkStates reports each supervised identity's link state for diagnostics.
func (s *Supervisor) LinkStates() map[string]string {
	s.mu.Lock()
	identities := make([]string, 0, len(s.links))
	for identity := range s.links {
		identities = append(identities, identity)
	}
	s.mu.Unlock()

	out := make(map[string]string, len(identities))
	for _, identity := range identities {
		out[identity] = s.recon.State(identity).String()
	}
	return out
}

// Release drops supervision for an identity, closing its link.
func (s *Supervisor) Release(identity string) {
	s.mu.Lock()
	ctrl, hadLink := s.links[identity]
	monitor, hadMon := s.monitors[identity]
	delete(s.links, identity)
	delete(s.monitors, identity)
	s.mu.Unlock()

	if hadMon {
		monitor.Stop()
	}
	if hadLink {
		ctrl.Close()
	}
}

// Stop tears down all monitors and links and cancels in-flight
// reconnections.
func (s *Supervisor) Stop() {
	s.cancel()
	s.recon.CancelAll()

	s.mu.Lock()
	links := s.links
	monitors := s.monitors
	s.links = make(map[string]ControlLink)
	s.monitors = make(map[string]*heartbeat.Monitor)
	s.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
	for _, l := range links {
		l.Close()
	}
}
