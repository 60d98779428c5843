package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// capturingSender records pings and optionally auto-answers them.
type capturingSender struct {
	mu    sync.Mutex
	ids   []string
	reply func(id string) // invoked per ping when set
	err   error
}

func (s *capturingSender) SendPing(id string) error {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	reply := s.reply
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if reply != nil {
		go reply(id)
	}
	return nil
}

func (s *capturingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestMonitor_PongKeepsLinkAlive(t *testing.T) {
	sender := &capturingSender{}
	m := New("alice", sender, Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	sender.reply = m.Pong

	var deadMu sync.Mutex
	dead := false
	m.OnDead(func(identity string, lastPong time.Time) {
		deadMu.Lock()
		dead = true
		deadMu.Unlock()
	})

	var rtts []time.Duration
	var rttMu sync.Mutex
	m.OnRTT(func(identity string, rtt time.Duration) {
		rttMu.Lock()
		rtts = append(rtts, rtt)
		rttMu.Unlock()
	})

	m.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	m.Stop()
	m.Wait()

	deadMu.Lock()
	if dead {
		t.Error("link declared dead despite pongs")
	}
	deadMu.Unlock()

	if len(sender.sent()) < 2 {
		t.Errorf("expected multiple probes, got %d", len(sender.sent()))
	}
	rttMu.Lock()
	if len(rtts) == 0 {
		t.Error("no RTT observations recorded")
	}
	for _, rtt := range rtts {
		if rtt < 0 {
			t.Errorf("negative RTT %s", rtt)
		}
	}
	rttMu.Unlock()
}

func TestMonitor_TimeoutDeclaresDeadOnce(t *testing.T) {
	sender := &capturingSender{} // never answers
	m := New("alice", sender, Config{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond})

	deadCh := make(chan time.Time, 4)
	m.OnDead(func(identity string, lastPong time.Time) {
		if identity != "alice" {
			t.Errorf("unexpected identity %q", identity)
		}
		deadCh <- lastPong
	})

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-deadCh:
	case <-time.After(time.Second):
		t.Fatal("link never declared dead")
	}
	m.Wait()

	if !m.Dead() {
		t.Error("Dead() false after death")
	}
	// No second death notification even after further waiting.
	select {
	case <-deadCh:
		t.Error("dead callback fired more than once")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestMonitor_OneOutstandingProbe(t *testing.T) {
	sender := &capturingSender{} // never answers
	// Timeout much longer than interval: ticks fire while a probe is
	// pending and must not send additional pings.
	m := New("alice", sender, Config{Interval: 10 * time.Millisecond, Timeout: time.Second})

	m.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	m.Stop()
	m.Wait()

	if got := len(sender.sent()); got != 1 {
		t.Errorf("expected exactly 1 outstanding probe, sent %d", got)
	}
}

func TestMonitor_StalePongIgnored(t *testing.T) {
	sender := &capturingSender{}
	m := New("alice", sender, Config{Interval: 10 * time.Millisecond, Timeout: 40 * time.Millisecond})

	deadCh := make(chan struct{}, 1)
	m.OnDead(func(identity string, lastPong time.Time) { deadCh <- struct{}{} })

	m.Start(context.Background())
	defer m.Stop()

	// Pongs with the wrong id must not resolve the probe.
	go func() {
		for i := 0; i < 20; i++ {
			m.Pong("not-a-real-probe")
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-deadCh:
	case <-time.After(time.Second):
		t.Fatal("stale pongs kept the link alive")
	}
}

func TestMonitor_SendErrorStillTimesOut(t *testing.T) {
	sender := &capturingSender{err: errors.New("broken pipe")}
	m := New("alice", sender, Config{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond})

	deadCh := make(chan struct{}, 1)
	m.OnDead(func(identity string, lastPong time.Time) { deadCh <- struct{}{} })

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-deadCh:
	case <-time.After(time.Second):
		t.Fatal("failed sends never led to death")
	}
}

func TestMonitor_ContextCancelStopsProbing(t *testing.T) {
	sender := &capturingSender{}
	m := New("alice", sender, Config{Interval: 5 * time.Millisecond, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	m.Wait()

	before := len(sender.sent())
	time.Sleep(30 * time.Millisecond)
	if after := len(sender.sent()); after != before {
		t.Errorf("probes continued after cancel: %d -> %d", before, after)
	}
	if m.Dead() {
		t.Error("cancel must not declare the link dead")
	}
}
