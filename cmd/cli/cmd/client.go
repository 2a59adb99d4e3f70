package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowplane/pkg/api"
)

// FlowClient handles API calls to the flowplane controller.
type FlowClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewFlowClient creates a new client with the given base URL and token.
func NewFlowClient(baseURL, token string) *FlowClient {
	return &FlowClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends one JSON request and decodes the response into out when the
// status is one of wantStatus.
func (c *FlowClient) do(method, path string, body, out interface{}, wantStatus ...int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	ok := false
	for _, status := range wantStatus {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateTenant sends POST /tenants (admin endpoint).
func (c *FlowClient) CreateTenant(req api.CreateTenantRequest) (*api.CreateTenantResponse, error) {
	var result api.CreateTenantResponse
	if err := c.do(http.MethodPost, "/tenants", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePipeline sends POST /pipelines to register a pipeline definition.
func (c *FlowClient) CreatePipeline(req api.CreatePipelineRequest) (*api.CreatePipelineResponse, error) {
	var result api.CreatePipelineResponse
	if err := c.do(http.MethodPost, "/pipelines", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitRun sends POST /pipelines/{id}/runs. A 409 is a valid outcome: the
// pipeline is already running and the response names the holder run.
func (c *FlowClient) SubmitRun(pipelineID string, req api.SubmitRunRequest) (*api.SubmitRunResponse, error) {
	var result api.SubmitRunResponse
	path := fmt.Sprintf("/pipelines/%s/runs", pipelineID)
	if err := c.do(http.MethodPost, path, req, &result, http.StatusCreated, http.StatusConflict); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun sends GET /runs/{id} to retrieve run details with step records.
func (c *FlowClient) GetRun(runID string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(http.MethodGet, "/runs/"+runID, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRun sends POST /runs/{id}/cancel.
func (c *FlowClient) CancelRun(runID string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(http.MethodPost, "/runs/"+runID+"/cancel", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}
