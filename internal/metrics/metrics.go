// Package metrics exposes the tunnel's Prometheus collectors.
//
// All collectors live under the tunnelcore namespace. The active-sessions
// and queue-depth gauges are fed by the owning components; counters and
// histograms are recorded at the call sites through the Metrics methods.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the tunnel's Prometheus collectors.
type Metrics struct {
	activeSessions    prometheus.GaugeFunc
	queueDepth        *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
	rateRejections    *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	expiredOperations *prometheus.CounterVec
	dispatchLatency   *prometheus.HistogramVec
	heartbeatRTT      prometheus.Histogram

	registerer prometheus.Registerer
	mu         sync.Mutex
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelcore",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tunnelcore",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collector set. sessionCount feeds the active-sessions
// gauge and is typically pool.TotalSessions.
func New(registerer prometheus.Registerer, sessionCount func() int) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if sessionCount == nil {
		sessionCount = func() int { return 0 }
	}

	return &Metrics{
		registerer: registerer,
		activeSessions: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "tunnelcore",
				Name:      "active_sessions",
				Help:      "Number of live backend sessions across all identities",
			},
			func() float64 { return float64(sessionCount()) },
		),
		queueDepth:        newGaugeVec("queue_depth", "Queued operations per identity", []string{"identity"}),
		circuitState:      newGaugeVec("circuit_state", "Circuit breaker state per identity (0=closed, 1=half-open, 2=open)", []string{"identity"}),
		rateRejections:    newCounterVec("rate_limit_rejections_total", "Operations rejected by the rate limiter", []string{"identity"}),
		reconnectAttempts: newCounterVec("reconnect_attempts_total", "Reconnection attempts per identity", []string{"identity"}),
		expiredOperations: newCounterVec("operations_expired_total", "Queued operations dropped for exceeding their deadline", []string{"identity"}),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tunnelcore",
				Name:      "dispatch_latency_seconds",
				Help:      "End-to-end forward latency",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"identity"},
		),
		heartbeatRTT: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tunnelcore",
				Name:      "heartbeat_rtt_seconds",
				Help:      "Round-trip time of answered heartbeat probes",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.activeSessions,
		m.queueDepth,
		m.circuitState,
		m.rateRejections,
		m.reconnectAttempts,
		m.expiredOperations,
		m.dispatchLatency,
		m.heartbeatRTT,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// SetQueueDepth records the queued-operation count for an identity.
func (m *Metrics) SetQueueDepth(identity string, depth int) {
	m.queueDepth.WithLabelValues(identity).Set(float64(depth))
}

// SetCircuitState records a breaker state change for an identity.
// closed=0, half-open=1, open=2.
func (m *Metrics) SetCircuitState(identity string, state int) {
	m.circuitState.WithLabelValues(identity).Set(float64(state))
}

// OperationExpired counts one queued operation dropped past its deadline.
func (m *Metrics) OperationExpired(identity string) {
	m.expiredOperations.WithLabelValues(identity).Inc()
}

// RateLimitRejected counts one rate-limiter rejection.
func (m *Metrics) RateLimitRejected(identity string) {
	m.rateRejections.WithLabelValues(identity).Inc()
}

// ReconnectAttempt counts one reconnection attempt.
func (m *Metrics) ReconnectAttempt(identity string) {
	m.reconnectAttempts.WithLabelValues(identity).Inc()
}

// ObserveDispatch records end-to-end forward latency in seconds.
func (m *Metrics) ObserveDispatch(identity string, seconds float64) {
	m.dispatchLatency.WithLabelValues(identity).Observe(seconds)
}

// ObserveHeartbeatRTT records an answered probe's round-trip time in seconds.
func (m *Metrics) ObserveHeartbeatRTT(seconds float64) {
	m.heartbeatRTT.Observe(seconds)
}

// RemoveIdentity drops the per-identity series after eviction.
func (m *Metrics) RemoveIdentity(identity string) {
	m.queueDepth.DeleteLabelValues(identity)
	m.circuitState.DeleteLabelValues(identity)
	m.rateRejections.DeleteLabelValues(identity)
	m.reconnectAttempts.DeleteLabelValues(identity)
	m.expiredOperations.DeleteLabelValues(identity)
	m.dispatchLatency.DeleteLabelValues(identity)
}
