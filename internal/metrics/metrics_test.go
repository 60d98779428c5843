package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() int { return 2 })

	if err := m.Register(); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register(); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Registering a second Metrics instance against the same registry must
	// also tolerate the duplicates.
	m2 := New(reg, func() int { return 2 })
	if err := m2.Register(); err != nil {
		t.Fatalf("duplicate instance register: %v", err)
	}
}

func TestCollectors_RecordAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	sessions := 3
	m := New(reg, func() int { return sessions })
	if err := m.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.SetQueueDepth("alice", 7)
	m.SetCircuitState("alice", 2)
	m.RateLimitRejected("alice")
	m.RateLimitRejected("alice")
	m.ReconnectAttempt("alice")
	m.ObserveDispatch("alice", 0.05)
	m.ObserveHeartbeatRTT(0.002)

	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("alice")); got != 7 {
		t.Errorf("queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.circuitState.WithLabelValues("alice")); got != 2 {
		t.Errorf("circuit_state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateRejections.WithLabelValues("alice")); got != 2 {
		t.Errorf("rate_limit_rejections_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 3 {
		t.Errorf("active_sessions = %v, want 3", got)
	}

	expected := strings.NewReader(`
# HELP tunnelcore_reconnect_attempts_total Reconnection attempts per identity
# TYPE tunnelcore_reconnect_attempts_total counter
tunnelcore_reconnect_attempts_total{identity="alice"} 1
`)
	if err := testutil.GatherAndCompare(reg, expected, "tunnelcore_reconnect_attempts_total"); err != nil {
		t.Errorf("gather: %v", err)
	}
}

func TestRemoveIdentity_DropsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)
	if err := m.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.SetQueueDepth("alice", 4)
	m.RemoveIdentity("alice")

	if got := testutil.CollectAndCount(m.queueDepth); got != 0 {
		t.Errorf("queue_depth series after removal = %d, want 0", got)
	}
}
