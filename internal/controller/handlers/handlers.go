// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"flowplane/internal/errclass"
	"flowplane/internal/orchestrator"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// Store combines the store interfaces the handlers need directly. Run and
// pipeline lifecycle goes through the orchestrator instead.
type Store interface {
	Ping(ctx context.Context) error
	store.TenantStore
	store.PipelineStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store Store
	orch  *orchestrator.Orchestrator
}

// New creates a new Handlers instance.
func New(s Store, orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{store: s, orch: orch}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// handleDomainError maps orchestrator/store errors onto HTTP statuses:
// not-found -> 404, validation -> 400, quota rejection -> 429 with a
// Retry-After hint, anything else -> 500.
func (h *Handlers) handleDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Not found", http.StatusNotFound)
		return
	}

	var qe *orchestrator.QuotaError
	if errors.As(err, &qe) {
		seconds := int(qe.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.respondJson(w, http.StatusTooManyRequests, api.ErrorResponse{
			Error:   "Quota exceeded",
			Code:    strconv.Itoa(http.StatusTooManyRequests),
			Details: qe.Exceeded,
		})
		return
	}

	if errclass.Classify(err) == errclass.Validation {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.httpError(w, "Internal error", http.StatusInternalServerError)
}
