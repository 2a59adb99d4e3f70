// Package main is the entry point for the flowplane worker. Workers pull
// queued runs from the store, build the step graph, and execute it level by
// level.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"flowplane/internal/config"
	"flowplane/internal/lock"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/orchestrator"
	"flowplane/internal/pipeline"
	"flowplane/internal/quota"
	"flowplane/internal/retry"
	"flowplane/internal/store/postgres"
	"flowplane/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required for workers")
	}

	slogger := logger.New("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	// Tracing
	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "flowplane-worker", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	var notifier orchestrator.Notifier
	if cfg.WebhookURL != "" {
		notifier = orchestrator.NewWebhookNotifier(cfg.WebhookURL)
	}

	locks := lock.NewManager(db, db, slogger)
	quotas := quota.NewManager(db, db, slogger)
	orch := orchestrator.New(db, db, db, db, db, locks, quotas, notifier, slogger)

	registry := pipeline.NewRegistry()
	if err := worker.RegisterBuiltins(registry); err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}
	executor := pipeline.NewExecutor(db, registry, retry.DefaultPolicy(0), slogger)

	agent := worker.New(db, db, db, executor, orch, worker.AgentConfig{
		ID:           cfg.WorkerID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		RunTimeout:   cfg.WorkerRunTimeout,
	}, slogger)

	log.Printf("Worker %s started with concurrency %d", cfg.WorkerID, cfg.WorkerConcurrency)
	go agent.Run(ctx)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Start a dedicated metrics server on port 7071
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Worker metrics listening on :7071")
		if err := http.ListenAndServe(":7071", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker, draining in-flight runs...")
	cancel()

	<-agent.Done()
}
