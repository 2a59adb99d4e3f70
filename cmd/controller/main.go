// Package main is the entry point for the flowplane controller. It serves
// the tenant-facing API and runs the cron scheduler and the stale-lock
// sweeper.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowplane/internal/config"
	"flowplane/internal/controller"
	"flowplane/internal/controller/handlers"
	"flowplane/internal/lock"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/orchestrator"
	"flowplane/internal/quota"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
	"flowplane/internal/store/postgres"
)

// backend combines every store interface the controller composes over.
// Both the postgres and the in-memory store satisfy it.
type backend interface {
	handlers.Store
	orchestrator.TxBeginner
	store.RunStore
	store.LockStore
	store.QuotaStore
	store.Queue
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New("controller")
	ctx := context.Background()

	var db backend
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		db = pg
	} else {
		slogger.Warn("DATABASE_URL not set, using in-memory store (single instance, no persistence)")
		db = memory.New()
	}
	defer db.Close()

	// Tracing
	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "flowplane-controller", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	_, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	if err := observability.RegisterQueueDepthGauge(db); err != nil {
		log.Printf("Failed to register queue depth metric: %v", err)
	}

	var notifier orchestrator.Notifier
	if cfg.WebhookURL != "" {
		notifier = orchestrator.NewWebhookNotifier(cfg.WebhookURL)
	}

	locks := lock.NewManager(db, db, slogger)
	quotas := quota.NewManager(db, db, slogger)
	orch := orchestrator.New(db, db, db, db, db, locks, quotas, notifier, slogger)

	// Background loops share a context that is cancelled on shutdown.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	scheduler := orchestrator.NewScheduler(db, db, orch, slogger)
	go scheduler.Run(loopCtx, cfg.ScheduleInterval)
	go locks.RunSweeper(loopCtx, cfg.LockSweepInterval, cfg.LockStaleAfter)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, db, orch)

	go func() {
		log.Printf("Flowplane Controller starting on %s", addr)
		if err := srv.Run(loopCtx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	stopLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited properly")
}
