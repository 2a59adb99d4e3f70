package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// RunEvent describes a run reaching a terminal state. Delivery is
// best-effort; the run's state in the store is the source of truth.
type RunEvent struct {
	RunID      uuid.UUID       `json:"run_id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	PipelineID uuid.UUID       `json:"pipeline_id"`
	Status     store.RunStatus `json:"status"`
	Error      *string         `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Notifier receives terminal run events.
type Notifier interface {
	Notify(ctx context.Context, ev RunEvent) error
}

// LogNotifier writes run events to the structured log. The default when no
// webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev RunEvent) error {
	attrs := []any{
		"run_id", ev.RunID, "tenant_id", ev.TenantID,
		"pipeline_id", ev.PipelineID, "status", string(ev.Status),
	}
	if ev.Error != nil {
		attrs = append(attrs, "error", *ev.Error)
	}
	n.logger.Info("run finished", attrs...)
	return nil
}

// WebhookNotifier POSTs run events as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode run event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
