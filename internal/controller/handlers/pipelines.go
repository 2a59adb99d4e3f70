package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"flowplane/internal/controller/middleware"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// CreatePipeline handles POST /pipelines.
// The spec is validated (parse, graph, schedule) before anything is stored.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Spec == "" {
		h.httpError(w, "Name and Spec are required", http.StatusBadRequest)
		return
	}
	if req.MaxRetries < 0 {
		h.httpError(w, "max_retries must not be negative", http.StatusBadRequest)
		return
	}

	p := &store.Pipeline{
		TenantID:   tenant.ID,
		Name:       req.Name,
		Spec:       []byte(req.Spec),
		Timezone:   req.Timezone,
		MaxRetries: req.MaxRetries,
	}
	if req.Schedule != "" {
		p.Schedule = &req.Schedule
	}

	created, err := h.orch.CreatePipeline(ctx, p)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreatePipelineResponse{
		PipelineID: created.ID.String(),
	})
}

// GetPipeline handles GET /pipelines/{id}.
// A pipeline owned by another tenant looks exactly like a missing one.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid pipeline id", http.StatusBadRequest)
		return
	}

	p, err := h.store.GetPipelineByID(ctx, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if p.TenantID != tenant.ID {
		h.httpError(w, "Not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, api.PipelineResponse{
		ID:         p.ID.String(),
		Name:       p.Name,
		Spec:       string(p.Spec),
		Schedule:   p.Schedule,
		Timezone:   p.Timezone,
		MaxRetries: p.MaxRetries,
		CreatedAt:  p.CreatedAt,
	})
}
