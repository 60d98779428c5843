package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// Settings holds all tunable parameters for the tunnel core. Every value has
// a default matching the documented behavior, so an empty environment yields
// a working configuration.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Transport
	BackendEndpoint string        `envconfig:"BACKEND_ENDPOINT" default:"wss://localhost:9443/tunnel"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`

	// Identities whose links are established at startup. Others connect
	// lazily on first use.
	Identities []string `envconfig:"IDENTITIES" default:""`

	// Reconnection
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"10"`
	BackoffBase          time.Duration `envconfig:"BACKOFF_BASE" default:"2s"`
	BackoffMax           time.Duration `envconfig:"BACKOFF_MAX" default:"60s"`

	// Request queue
	QueueCapacity         int     `envconfig:"QUEUE_CAPACITY" default:"100"`
	BackpressureThreshold float64 `envconfig:"BACKPRESSURE_THRESHOLD" default:"0.8"`

	// Rate limiting
	RateTierFile      string `envconfig:"RATE_TIER_FILE" default:""`
	RateCombinePolicy string `envconfig:"RATE_COMBINE_POLICY" default:"all"`

	// Connection pool
	SessionsPerIdentity int           `envconfig:"SESSIONS_PER_IDENTITY" default:"3"`
	ChannelsPerSession  int           `envconfig:"CHANNELS_PER_SESSION" default:"10"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"5m"`
	EvictionInterval    time.Duration `envconfig:"EVICTION_INTERVAL" default:"60s"`

	// Circuit breaker
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"60s"`

	// Heartbeat
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	PongTimeout  time.Duration `envconfig:"PONG_TIMEOUT" default:"45s"`

	// Diagnostics endpoint access token. Empty disables /diagnostics.
	DiagnosticsToken string `envconfig:"DIAGNOSTICS_TOKEN" default:""`
}

var Cfg Settings

// Load reads settings from the environment (prefix TUNNELCORE) and validates
// them. Invalid settings are a configuration error and must fail fast.
func Load() error {
	if err := envconfig.Process("TUNNELCORE", &Cfg); err != nil {
		return terrors.Wrap(terrors.CategoryConfiguration, "config_parse", "failed to parse environment", false, err)
	}
	return Cfg.Validate()
}

// Validate checks settings for internal consistency.
func (s *Settings) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{s.BackendEndpoint != "", "BACKEND_ENDPOINT must be set"},
		{s.DialTimeout > 0, "DIAL_TIMEOUT must be positive"},
		{s.MaxReconnectAttempts > 0, "MAX_RECONNECT_ATTEMPTS must be positive"},
		{s.BackoffBase > 0, "BACKOFF_BASE must be positive"},
		{s.BackoffMax >= s.BackoffBase, "BACKOFF_MAX must be >= BACKOFF_BASE"},
		{s.QueueCapacity > 0, "QUEUE_CAPACITY must be positive"},
		{s.BackpressureThreshold > 0 && s.BackpressureThreshold < 1, "BACKPRESSURE_THRESHOLD must be in (0, 1)"},
		{s.SessionsPerIdentity > 0, "SESSIONS_PER_IDENTITY must be positive"},
		{s.ChannelsPerSession > 0, "CHANNELS_PER_SESSION must be positive"},
		{s.SessionIdleTimeout > 0, "SESSION_IDLE_TIMEOUT must be positive"},
		{s.BreakerFailureThreshold > 0, "BREAKER_FAILURE_THRESHOLD must be positive"},
		{s.BreakerSuccessThreshold > 0, "BREAKER_SUCCESS_THRESHOLD must be positive"},
		{s.PingInterval > 0, "PING_INTERVAL must be positive"},
		{s.PongTimeout > s.PingInterval, "PONG_TIMEOUT must exceed PING_INTERVAL"},
		{s.RateCombinePolicy == "all" || s.RateCombinePolicy == "any", `RATE_COMBINE_POLICY must be "all" or "any"`},
	}
	for _, c := range checks {
		if !c.ok {
			return terrors.Configf("config_invalid", "%s", c.msg)
		}
	}
	return nil
}

// String summarizes the settings for startup logging.
func (s *Settings) String() string {
	return fmt.Sprintf("endpoint=%s reconnect=%d/%s..%s queue=%d@%.0f%% pool=%dx%d idle=%s breaker=%d/%d/%s heartbeat=%s/%s",
		s.BackendEndpoint,
		s.MaxReconnectAttempts, s.BackoffBase, s.BackoffMax,
		s.QueueCapacity, s.BackpressureThreshold*100,
		s.SessionsPerIdentity, s.ChannelsPerSession, s.SessionIdleTimeout,
		s.BreakerFailureThreshold, s.BreakerSuccessThreshold, s.BreakerResetTimeout,
		s.PingInterval, s.PongTimeout)
}
