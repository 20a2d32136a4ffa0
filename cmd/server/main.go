package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reelforge/internal/api"
	"reelforge/internal/database"
	"reelforge/internal/pipeline"
	"reelforge/internal/progress"
	"reelforge/internal/provider"
	"reelforge/internal/queue"
	"reelforge/internal/reconcile"
)

func main() {
	var (
		addr             = flag.String("addr", ":8080", "HTTP listen address")
		dbPath           = flag.String("db", "./reelforge.db", "SQLite database path")
		providerURL      = flag.String("provider-url", "https://api.reelforge-gen.example.com", "generation provider base URL")
		providerTimeout  = flag.Duration("provider-timeout", 30*time.Second, "per-call provider timeout")
		pollInterval     = flag.Duration("poll-interval", 5*time.Second, "provider poll cadence")
		resubmitInterval = flag.Duration("resubmit-interval", 10*time.Second, "pending work resubmission cadence")
		evictInterval    = flag.Duration("evict-interval", time.Minute, "queue eviction sweep cadence")
	)
	flag.Parse()

	apiKey := os.Getenv("PROVIDER_API_KEY")
	if apiKey == "" {
		log.Fatal("PROVIDER_API_KEY is required")
	}
	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}

	// Open database
	db, err := database.New(*dbPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	log.Println("[INIT] Database initialized")

	q := queue.New(queue.DefaultConfig())
	client := provider.NewClient(*providerURL, apiKey, *providerTimeout)
	coordinator := pipeline.New(q, db, client)
	reconciler := reconcile.New(q, db, client, *pollInterval)
	broadcaster := progress.NewManager(q, db, reconciler)

	// Background loops share one cancellation root.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Start(ctx)
	go coordinator.RunResubmitLoop(ctx, *resubmitInterval)
	go q.RunEviction(ctx, *evictInterval)
	log.Println("[INIT] Background loops started")

	apiServer := api.NewServer(q, db, coordinator, reconciler, broadcaster, webhookSecret)
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Printf("[INIT] Server starting on http://localhost%s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed:", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("[SHUTDOWN] Signal received, draining")

	cancel()
	broadcaster.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[SHUTDOWN] HTTP server: %v", err)
	}
	log.Println("[SHUTDOWN] Done")
}
