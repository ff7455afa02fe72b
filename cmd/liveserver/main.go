package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/livesession/internal/api"
	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/config"
	"github.com/whisper/livesession/internal/hub"
	"github.com/whisper/livesession/internal/messaging"
	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/moderation"
	"github.com/whisper/livesession/internal/ratelimit"
	"github.com/whisper/livesession/internal/store"
	"github.com/whisper/livesession/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Live session server starting")
	cfg.Log()

	ctx := context.Background()

	// --- Store ---
	var st store.Store = store.NewMemory()
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		pg, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		st = pg
	}

	// --- Redis ---
	var throttle *ratelimit.Throttle
	if cfg.RedisAddr != "" {
		rdb, err := ratelimit.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		throttle = ratelimit.NewThrottle(rdb)
	}

	// --- NATS ---
	var (
		natsClient *messaging.Client
		publisher  hub.Publisher
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		publisher = natsClient
	}

	filter := moderation.NewFilterWithExtra(cfg.Blocklist)

	hubConfig := hub.DefaultConfig()
	hubConfig.QueueSize = cfg.InboundQueue
	hubConfig.OutboundBuffer = cfg.OutboundBuffer
	hubConfig.Grace = cfg.SessionGrace
	registry := hub.NewRegistry(hubConfig, st, filter, publisher)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.Heartbeat.Interval = cfg.HeartbeatInterval
	wsConfig.Heartbeat.Timeout = cfg.HeartbeatTimeout
	gateway := ws.NewServer(wsConfig, registry, verifier, throttle)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{session_id}", gateway)
	mux.Handle("GET /metrics", metrics.Handler())
	api.NewServer(registry, st, verifier, throttle).Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Stop accepting first, then release live sessions so their
		// connections see a close frame.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		registry.Close()
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if throttle != nil {
			if err := throttle.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		close(done)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-done
	log.Printf("shutdown complete")
}
