package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/auth"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// CreateTenant handles POST /tenants (Admin Only).
// It generates a new API key, hashes it for storage, and returns the raw
// key ONCE.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.DailyLimit < 0 || req.MonthlyLimit < 0 || req.ConcurrentLimit < 0 ||
		req.RateLimit < 0 || req.RateLimitBurst < 0 {
		h.httpError(w, "Limits must not be negative", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	tenant := &store.Tenant{
		ID:              uuid.New(),
		Name:            req.Name,
		DailyLimit:      req.DailyLimit,
		MonthlyLimit:    req.MonthlyLimit,
		ConcurrentLimit: req.ConcurrentLimit,
		RateLimit:       req.RateLimit,
		RateLimitBurst:  req.RateLimitBurst,
		CreatedAt:       time.Now().UTC(),
	}

	if err := h.store.CreateTenant(ctx, tenant, auth.HashKey(apiKey)); err != nil {
		h.httpError(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}

	// Return the raw key. This is the only time the caller sees it.
	resp := api.CreateTenantResponse{
		ID:     tenant.ID.String(),
		Name:   tenant.Name,
		ApiKey: apiKey,
	}
	h.respondJson(w, http.StatusCreated, resp)
}
