// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowplane/internal/controller/handlers"
	"flowplane/internal/controller/middleware"
	"flowplane/internal/orchestrator"
)

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.Store, orch *orchestrator.Orchestrator) *Server {
	h := handlers.New(store, orch)
	authMW := middleware.AuthMiddleware(store)
	rateMW := middleware.RateLimitMiddleware()
	protected := func(hf http.HandlerFunc) http.Handler {
		return authMW(rateMW(hf))
	}

	mux := http.NewServeMux()

	// Admin endpoint. Should sit behind a separate port or strict network
	// rules in production.
	mux.HandleFunc("POST /tenants", h.CreateTenant)

	// Public authenticated apis
	mux.Handle("POST /pipelines", protected(h.CreatePipeline))
	mux.Handle("GET /pipelines/{id}", protected(h.GetPipeline))
	mux.Handle("POST /pipelines/{id}/runs", protected(h.SubmitRun))
	mux.Handle("GET /runs/{id}", protected(h.GetRun))
	mux.Handle("POST /runs/{id}/cancel", protected(h.CancelRun))

	// Probes and telemetry
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
