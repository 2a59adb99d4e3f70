package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"flowplane/internal/controller/middleware"
	"flowplane/internal/orchestrator"
	"flowplane/internal/store"
	"flowplane/pkg/api"
)

// SubmitRun handles POST /pipelines/{id}/runs.
// A fresh admission returns 201 PENDING; a submission while the pipeline's
// previous run still holds the lock returns 409 ALREADY_RUNNING with the
// holder's run ID.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	pipelineID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid pipeline id", http.StatusBadRequest)
		return
	}

	var req api.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	priority := orchestrator.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	sub, err := h.orch.SubmitRun(ctx, tenant.ID, pipelineID, req.Params, priority)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	resp := api.SubmitRunResponse{RunID: sub.RunID.String(), Status: sub.Status}
	if sub.Status == orchestrator.StatusAlreadyRunning {
		h.respondJson(w, http.StatusConflict, resp)
		return
	}
	h.respondJson(w, http.StatusCreated, resp)
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, steps, err := h.orch.GetRun(ctx, tenant.ID, runID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, runToResponse(run, steps))
}

// CancelRun handles POST /runs/{id}/cancel.
// Cancelling an already terminal run is a no-op and still returns 200 with
// the run's current state.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.orch.CancelRun(ctx, tenant.ID, runID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, runToResponse(run, nil))
}

func runToResponse(run *store.Run, steps []store.StepExecution) api.RunResponse {
	resp := api.RunResponse{
		ID:         run.ID.String(),
		PipelineID: run.PipelineID.String(),
		Status:     string(run.Status),
		MaxRetries: run.MaxRetries,
		Error:      run.ErrorMessage,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
	}
	for _, se := range steps {
		resp.Steps = append(resp.Steps, api.StepExecutionResponse{
			StepID:       se.StepID,
			Status:       string(se.Status),
			AttemptCount: se.AttemptCount,
			StartedAt:    se.StartedAt,
			EndedAt:      se.EndedAt,
			Error:        se.ErrorMessage,
		})
	}
	return resp
}
