package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/config"
	"github.com/gluk-w/termgate/internal/handlers"
	"github.com/gluk-w/termgate/internal/logging"
	"github.com/gluk-w/termgate/internal/policy"
	"github.com/gluk-w/termgate/internal/router"
	"github.com/gluk-w/termgate/internal/security"
	"github.com/gluk-w/termgate/internal/session"
	"github.com/gluk-w/termgate/internal/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logging.Init(cfg.LogPath)
	defer logging.Close()

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Policy load: %v", err)
	}
	log.Printf("Policy loaded: %d whitelisted executables, %d deny rules, %d enhanced rules",
		len(pol.Whitelist), len(pol.DenyRules), len(pol.EnhancedRules))

	store, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("Audit store init: %v", err)
	}
	defer store.Close()

	recorder := audit.NewRecorder(store, cfg.AuditQueueDepth, func(msg string) {
		log.Printf("ALERT: %s", msg)
	})
	defer recorder.Close()

	guard := security.NewGuard(pol.RateLimit, pol.Ban)
	pipeline := validate.NewPipeline(pol, guard, recorder)

	rtr := router.New(pipeline, recorder)

	registry := session.NewRegistry(session.Config{
		MaxSessions:          cfg.MaxSessions,
		MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		IdleTimeout:          cfg.SessionIdleTimeout,
		DestroyGrace:         cfg.DestroyGracePeriod,
		OutputBufferSize:     cfg.OutputBufferSize,
	}, rtr, recorder)
	rtr.SetRegistry(registry)

	h := &handlers.Handlers{
		Registry: registry,
		Guard:    guard,
		Store:    store,
		Recorder: recorder,
		Router:   rtr,
	}

	jobs := startMaintenanceJobs(registry, guard, store, cfg.ClientStateTTL, cfg.AuditRetentionDays)
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", h.HealthCheck)
	r.Route("/api/v1", h.Routes)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
