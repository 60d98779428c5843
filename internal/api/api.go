// Package api serves the management surface: health, Prometheus metrics,
// and a token-gated diagnostics snapshot of the resilience components.
package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gluk-w/tunnelcore/internal/pool"
	"github.com/gluk-w/tunnelcore/internal/ratelimit"
	"github.com/gluk-w/tunnelcore/internal/reconnect"
)

// Deps carries the component views the management surface reads from.
// Snapshot funcs are nil-safe so tests can wire only what they exercise.
type Deps struct {
	StartedAt time.Time

	// DiagnosticsToken gates /api/v1/diagnostics. Empty disables the routes.
	DiagnosticsToken string

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// DBPing reports durable-store health.
	DBPing func() error

	// LinkUp reports whether at least one identity has a connected link.
	LinkUp func() bool

	PoolSnapshot    func() map[string][]pool.SessionState
	QueueDepths     func() map[string]int
	LimiterSnapshot func() []ratelimit.BucketState
	BreakerSnapshot func() map[string]string
	LinkStates      func() map[string]string

	// Events returns the link event history for one identity.
	Events func(identity string) []reconnect.ConnectionEvent

	// Transitions returns the link state-transition history for one identity.
	Transitions func(identity string) []reconnect.StateTransition

	// LogTail returns the last n lines of the process log. Nil disables the
	// log route.
	LogTail func(n int) (string, error)
}

// NewRouter builds the management router.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", healthCheck(deps))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if deps.DiagnosticsToken != "" {
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(requireToken(deps.DiagnosticsToken))
			r.Get("/diagnostics", diagnostics(deps))
			r.Get("/diagnostics/{identity}/events", identityEvents(deps))
			r.Get("/diagnostics/{identity}/transitions", identityTransitions(deps))
			if deps.LogTail != nil {
				r.Get("/diagnostics/log", logTail(deps))
			}
		})
	}

	return r
}

// healthCheck reports overall health: 200 when the durable store answers a
// ping, 503 otherwise. Link status is advisory and does not fail the check;
// a fully disconnected tunnel is still a live process doing its job
// (queueing and reconnecting).
func healthCheck(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		if deps.DBPing != nil {
			if err := deps.DBPing(); err != nil {
				dbStatus = "disconnected"
			}
		}

		linkStatus := "down"
		if deps.LinkUp != nil && deps.LinkUp() {
			linkStatus = "up"
		}

		status := "healthy"
		code := http.StatusOK
		if dbStatus != "connected" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"uptime": time.Since(deps.StartedAt).Round(time.Second).String(),
			"checks": map[string]string{
				"database": dbStatus,
				"link":     linkStatus,
			},
		})
	}
}

// diagnostics returns a point-in-time JSON snapshot of every resilience
// component, keyed by identity where applicable.
func diagnostics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := map[string]interface{}{
			"collected_at": time.Now().UTC(),
		}
		if deps.PoolSnapshot != nil {
			snap["sessions"] = deps.PoolSnapshot()
		}
		if deps.QueueDepths != nil {
			snap["queue_depths"] = deps.QueueDepths()
		}
		if deps.LimiterSnapshot != nil {
			snap["rate_buckets"] = deps.LimiterSnapshot()
		}
		if deps.BreakerSnapshot != nil {
			snap["circuits"] = deps.BreakerSnapshot()
		}
		if deps.LinkStates != nil {
			snap["links"] = deps.LinkStates()
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func identityEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		if deps.Events == nil {
			writeJSON(w, http.StatusOK, []reconnect.ConnectionEvent{})
			return
		}
		events := deps.Events(identity)
		if events == nil {
			events = []reconnect.ConnectionEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func identityTransitions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		if deps.Transitions == nil {
			writeJSON(w, http.StatusOK, []reconnect.StateTransition{})
			return
		}
		transitions := deps.Transitions(identity)
		if transitions == nil {
			transitions = []reconnect.StateTransition{}
		}
		writeJSON(w, http.StatusOK, transitions)
	}
}

// logTail serves the last lines of the process log. Defaults to 100 lines,
// capped at 1000.
func logTail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if v := r.URL.Query().Get("lines"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "lines must be a positive integer")
				return
			}
			n = parsed
		}
		if n > 1000 {
			n = 1000
		}
		tail, err := deps.LogTail(n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read log")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"log": tail})
	}
}

// requireToken gates a route group behind a bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Authorization")
			want := "Bearer " + token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing diagnostics token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
