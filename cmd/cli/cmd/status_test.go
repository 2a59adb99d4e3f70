package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"flowplane/pkg/api"
)

func TestStatusCommand_Success(t *testing.T) {
	resetViper()

	started := time.Now().Add(-2 * time.Minute)
	ended := time.Now().Add(-time.Minute)
	errMsg := "handler exploded"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/runs/") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			return
		}
		json.NewEncoder(w).Encode(api.RunResponse{
			ID:         "run-123",
			PipelineID: "pipe-1",
			Status:     "FAILED",
			Error:      &errMsg,
			CreatedAt:  started,
			StartedAt:  &started,
			EndedAt:    &ended,
			Steps: []api.StepExecutionResponse{
				{StepID: "extract", Status: "COMPLETED", AttemptCount: 1},
				{StepID: "load", Status: "FAILED", AttemptCount: 3, Error: &errMsg},
			},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCommand(t, "status", "run-123")

	for _, want := range []string{"run-123", "FAILED", "handler exploded", "extract", "load", "attempts: 3"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Not found", Code: "404"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := runCommand(t, "status", "run-404")

	if !strings.Contains(output, "Failed to fetch run") {
		t.Errorf("unexpected output: %s", output)
	}
}
