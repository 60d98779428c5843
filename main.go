package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/tunnelcore/internal/api"
	"github.com/gluk-w/tunnelcore/internal/breaker"
	"github.com/gluk-w/tunnelcore/internal/config"
	"github.com/gluk-w/tunnelcore/internal/core"
	"github.com/gluk-w/tunnelcore/internal/database"
	"github.com/gluk-w/tunnelcore/internal/heartbeat"
	"github.com/gluk-w/tunnelcore/internal/link"
	"github.com/gluk-w/tunnelcore/internal/logging"
	"github.com/gluk-w/tunnelcore/internal/metrics"
	"github.com/gluk-w/tunnelcore/internal/pool"
	"github.com/gluk-w/tunnelcore/internal/queue"
	"github.com/gluk-w/tunnelcore/internal/ratelimit"
	"github.com/gluk-w/tunnelcore/internal/reconnect"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	logging.Init()
	log.Printf("Config: %s", config.Cfg.String())

	if err := database.Init(config.Cfg.DataPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	tiers, err := config.LoadTierTable(config.Cfg.RateTierFile)
	if err != nil {
		log.Fatalf("Tier table: %v", err)
	}
	policy := ratelimit.CombineAll
	if config.Cfg.RateCombinePolicy == "any" {
		policy = ratelimit.CombineAny
	}
	limiter := ratelimit.New(tiers, policy)

	q := queue.New(config.Cfg.QueueCapacity, config.Cfg.BackpressureThreshold,
		queue.NewGormStore(database.DB))
	restored, err := q.RestorePersisted()
	if err != nil {
		log.Printf("WARNING: queue restore: %v", err)
	} else if restored > 0 {
		log.Printf("Restored %d persisted operations", restored)
	}

	linkCfg := link.Config{
		Endpoint:    config.Cfg.BackendEndpoint,
		DialTimeout: config.Cfg.DialTimeout,
	}
	p := pool.New(pool.Config{
		SessionsPerIdentity: config.Cfg.SessionsPerIdentity,
		ChannelsPerSession:  config.Cfg.ChannelsPerSession,
		MaxIdle:             config.Cfg.SessionIdleTimeout,
	}, link.NewSessionDialer(linkCfg))

	connector := link.NewConnector(linkCfg)
	recon := reconnect.NewManager(connector, reconnect.Config{
		MaxAttempts: config.Cfg.MaxReconnectAttempts,
		BackoffBase: config.Cfg.BackoffBase,
		BackoffMax:  config.Cfg.BackoffMax,
	})

	mets := metrics.New(nil, p.TotalSessions)
	if err := mets.Register(); err != nil {
		log.Fatalf("Metrics: %v", err)
	}

	fwd := core.New(limiter, q, p, recon, mets, core.Config{
		Breaker: breaker.Config{
			FailureThreshold: config.Cfg.BreakerFailureThreshold,
			SuccessThreshold: config.Cfg.BreakerSuccessThreshold,
			ResetTimeout:     config.Cfg.BreakerResetTimeout,
		},
	})
	sup := core.NewSupervisor(recon, heartbeat.Config{
		Interval: config.Cfg.PingInterval,
		Timeout:  config.Cfg.PongTimeout,
	}, mets)
	connector.OnConnected(func(identity string, ctrl *link.Control) {
		sup.Bind(identity, ctrl)
	})
	connector.OnPong(sup.Pong)

	// Establish the configured identities' links up front. Failures are not
	// fatal: the reconnection manager keeps retrying in the background and
	// the queue absorbs work in the meantime.
	for _, identity := range config.Cfg.Identities {
		if identity == "" {
			continue
		}
		go func(identity string) {
			if err := sup.Connect(context.Background(), identity); err != nil {
				log.Printf("core: initial connect for %s failed: %v", identity, err)
			}
		}(identity)
	}

	// Periodic sweeps: idle pool sessions and stale rate-limit buckets.
	sched := cron.New()
	every := fmt.Sprintf("@every %s", config.Cfg.EvictionInterval)
	if _, err := sched.AddFunc(every, func() {
		p.Sweep()
		if n := limiter.EvictIdle(config.Cfg.SessionIdleTimeout); n > 0 {
			log.Printf("core: evicted %d idle rate buckets", n)
		}
	}); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	sched.Start()

	r := api.NewRouter(api.Deps{
		StartedAt:        time.Now(),
		DiagnosticsToken: config.Cfg.DiagnosticsToken,
		DBPing:           database.Ping,
		LinkUp:           sup.LinkUp,
		PoolSnapshot:     p.Snapshot,
		QueueDepths:      q.Depths,
		LimiterSnapshot:  limiter.Snapshot,
		BreakerSnapshot:  fwd.BreakerStates,
		LinkStates:       sup.LinkStates,
		Events:           recon.Events,
		Transitions:      recon.Transitions,
		LogTail:          logging.ReadTail,
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sched.Stop()
	sup.Stop()
	p.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
