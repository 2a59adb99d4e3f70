// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateTenantRequest is the request body for creating a new tenant.
// Limits of 0 mean unlimited for that dimension.
type CreateTenantRequest struct {
	Name            string  `json:"name"`
	DailyLimit      int     `json:"daily_limit,omitempty"`
	MonthlyLimit    int     `json:"monthly_limit,omitempty"`
	ConcurrentLimit int     `json:"concurrent_limit,omitempty"`
	RateLimit       float64 `json:"rate_limit,omitempty"`
	RateLimitBurst  int     `json:"rate_limit_burst,omitempty"`
}

// CreateTenantResponse is the response body after creating a tenant.
// ApiKey is returned exactly once; only its hash is stored.
type CreateTenantResponse struct {
	ID     string `json:"tenant_id"`
	Name   string `json:"name"`
	ApiKey string `json:"api_key"`
}

// CreatePipelineRequest is the request body for registering a pipeline.
// Spec holds the YAML step list; Schedule, when set, is a 5-field cron
// expression evaluated in Timezone (default UTC).
type CreatePipelineRequest struct {
	Name       string `json:"name"`
	Spec       string `json:"spec"`
	Schedule   string `json:"schedule,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// CreatePipelineResponse is the response body after registering a pipeline.
type CreatePipelineResponse struct {
	PipelineID string `json:"pipeline_id"`
}

// PipelineResponse is the response body for pipeline queries.
type PipelineResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	Schedule   *string   `json:"schedule,omitempty"`
	Timezone   string    `json:"timezone"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubmitRunRequest is the request body for submitting a pipeline run.
// Priority must be between 0 and 100; out-of-range values fall back to 50.
type SubmitRunRequest struct {
	Params   map[string]string `json:"params,omitempty"`
	Priority *int              `json:"priority,omitempty"`
}

// SubmitRunResponse is the response body after a run submission. Status is
// PENDING for an admitted run, or ALREADY_RUNNING when the pipeline's lock
// is held — in which case RunID names the holder.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// StepExecutionResponse represents one step record in a run response.
type StepExecutionResponse struct {
	StepID       string     `json:"step_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

// RunResponse is the response body for run status queries.
type RunResponse struct {
	ID         string                  `json:"id"`
	PipelineID string                  `json:"pipeline_id"`
	Status     string                  `json:"status"`
	MaxRetries int                     `json:"max_retries"`
	Error      *string                 `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	EndedAt    *time.Time              `json:"ended_at,omitempty"`
	Steps      []StepExecutionResponse `json:"steps,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Priority levels for run submission
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100

	PriorityMin = 0
	PriorityMax = 100
)
