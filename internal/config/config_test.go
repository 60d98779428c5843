package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

func defaultSettings(t *testing.T) Settings {
	t.Helper()
	return Settings{
		ListenAddr:              ":8000",
		BackendEndpoint:         "wss://localhost:9443/tunnel",
		DialTimeout:             10 * time.Second,
		MaxReconnectAttempts:    10,
		BackoffBase:             2 * time.Second,
		BackoffMax:              60 * time.Second,
		QueueCapacity:           100,
		BackpressureThreshold:   0.8,
		RateCombinePolicy:       "all",
		SessionsPerIdentity:     3,
		ChannelsPerSession:      10,
		SessionIdleTimeout:      5 * time.Minute,
		EvictionInterval:        60 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerResetTimeout:     60 * time.Second,
		PingInterval:            30 * time.Second,
		PongTimeout:             45 * time.Second,
	}
}

func TestSettings_ValidateDefaults(t *testing.T) {
	s := defaultSettings(t)
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestSettings_ValidateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty endpoint", func(s *Settings) { s.BackendEndpoint = "" }},
		{"zero attempts", func(s *Settings) { s.MaxReconnectAttempts = 0 }},
		{"max below base", func(s *Settings) { s.BackoffMax = time.Second }},
		{"threshold at 1", func(s *Settings) { s.BackpressureThreshold = 1.0 }},
		{"pong below ping", func(s *Settings) { s.PongTimeout = 10 * time.Second }},
		{"bad combine policy", func(s *Settings) { s.RateCombinePolicy = "both" }},
		{"zero channels", func(s *Settings) { s.ChannelsPerSession = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings(t)
			tt.mutate(&s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var te *terrors.Error
			if !errors.As(err, &te) || te.Category != terrors.CategoryConfiguration {
				t.Errorf("expected configuration category error, got %v", err)
			}
			if te.Retryable {
				t.Error("configuration errors must not be retryable")
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TUNNELCORE_QUEUE_CAPACITY", "50")
	t.Setenv("TUNNELCORE_BACKOFF_BASE", "1s")

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.QueueCapacity != 50 {
		t.Errorf("QueueCapacity = %d, want 50", Cfg.QueueCapacity)
	}
	if Cfg.BackoffBase != time.Second {
		t.Errorf("BackoffBase = %s, want 1s", Cfg.BackoffBase)
	}
	// Untouched values keep their defaults
	if Cfg.SessionsPerIdentity != 3 {
		t.Errorf("SessionsPerIdentity = %d, want 3", Cfg.SessionsPerIdentity)
	}
}

func TestLoadTierTable_MissingFileUsesDefaults(t *testing.T) {
	table, err := LoadTierTable("")
	if err != nil {
		t.Fatalf("LoadTierTable: %v", err)
	}
	tier := table.TierFor("anyone")
	if tier.Capacity != 100 || tier.RefillPerMin != 100 {
		t.Errorf("default tier = %+v, want 100/100", tier)
	}

	table, err = LoadTierTable(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadTierTable on absent file: %v", err)
	}
	if table.Default.Capacity != 100 {
		t.Errorf("absent file should yield defaults, got %+v", table.Default)
	}
}

func TestLoadTierTable_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
default:
  name: default
  capacity: 100
  refill_per_min: 100
tiers:
  - name: premium
    capacity: 1000
    refill_per_min: 600
identities:
  tenant-a: premium
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTierTable(path)
	if err != nil {
		t.Fatalf("LoadTierTable: %v", err)
	}

	if tier := table.TierFor("tenant-a"); tier.Capacity != 1000 {
		t.Errorf("tenant-a tier = %+v, want premium 1000", tier)
	}
	if tier := table.TierFor("tenant-b"); tier.Capacity != 100 {
		t.Errorf("tenant-b tier = %+v, want default 100", tier)
	}
}

func TestLoadTierTable_RejectsUnknownAssignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
identities:
  tenant-a: nonexistent
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadTierTable(path); err == nil {
		t.Fatal("expected error for unknown tier assignment")
	}
}
