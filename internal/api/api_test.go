package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gluk-w/tunnelcore/internal/reconnect"
)

func newTestDeps() Deps {
	return Deps{
		StartedAt:        time.Now().Add(-time.Minute),
		DiagnosticsToken: "secret",
		Gatherer:         prometheus.NewRegistry(),
		DBPing:           func() error { return nil },
		LinkUp:           func() bool { return true },
		QueueDepths:      func() map[string]int { return map[string]int{"alice": 3} },
		BreakerSnapshot:  func() map[string]string { return map[string]string{"alice": "closed"} },
		Events: func(identity string) []reconnect.ConnectionEvent {
			if identity != "alice" {
				return nil
			}
			return []reconnect.ConnectionEvent{{Identity: "alice", Type: reconnect.EventReconnected}}
		},
	}
}

func TestHealth_Healthy(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestDeps()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Uptime string            `json:"uptime"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Checks["database"] != "connected" || body.Checks["link"] != "up" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Uptime == "" {
		t.Error("missing uptime")
	}
}

func TestHealth_UnhealthyWhenDBDown(t *testing.T) {
	deps := newTestDeps()
	deps.DBPing = func() error { return errors.New("locked") }
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestDiagnostics_RequiresToken(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestDeps()))
	defer srv.Close()

	for _, tc := range []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestDiagnostics_SnapshotShape(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestDeps()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var snap map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"collected_at", "queue_depths", "circuits"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("snapshot missing %q", key)
		}
	}

	var depths map[string]int
	if err := json.Unmarshal(snap["queue_depths"], &depths); err != nil {
		t.Fatalf("queue_depths: %v", err)
	}
	if depths["alice"] != 3 {
		t.Errorf("queue depth = %d, want 3", depths["alice"])
	}
}

func TestDiagnostics_IdentityEvents(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestDeps()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/alice/events", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var events []reconnect.ConnectionEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Type != reconnect.EventReconnected {
		t.Errorf("unexpected events: %v", events)
	}

	// Unknown identity yields an empty array, not null.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/ghost/events", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp2.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) == "null" {
		t.Error("expected [], got null")
	}
}

func TestDisabledDiagnostics_NoRoutes(t *testing.T) {
	deps := newTestDeps()
	deps.DiagnosticsToken = ""
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/diagnostics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDiagnostics_LogTail(t *testing.T) {
	deps := newTestDeps()
	deps.LogTail = func(n int) (string, error) {
		if n != 5 {
			t.Errorf("n = %d, want 5", n)
		}
		return "line1\nline2", nil
	}
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/log?lines=5", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["log"] != "line1\nline2" {
		t.Errorf("log = %q", body["log"])
	}
}

func TestDiagnostics_LogTailRejectsBadLines(t *testing.T) {
	deps := newTestDeps()
	deps.LogTail = func(n int) (string, error) { return "", nil }
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/log?lines=zero", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDiagnostics_IdentityTransitions(t *testing.T) {
	deps := newTestDeps()
	deps.Transitions = func(identity string) []reconnect.StateTransition {
		if identity != "alice" {
			return nil
		}
		return []reconnect.StateTransition{
			{From: reconnect.StateDisconnected, To: reconnect.StateConnecting, Reason: "initial connect"},
			{From: reconnect.StateConnecting, To: reconnect.StateConnected, Reason: "handshake complete"},
		}
	}
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/alice/transitions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var transitions []reconnect.StateTransition
	if err := json.NewDecoder(resp.Body).Decode(&transitions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(transitions) != 2 || transitions[1].To != reconnect.StateConnected {
		t.Errorf("unexpected transitions: %v", transitions)
	}

	// Unknown identity yields an empty array, not null.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/diagnostics/ghost/transitions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp2.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) == "null" {
		t.Error("expected [], got null")
	}
}
