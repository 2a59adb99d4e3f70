// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"flowplane/internal/store"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RegisterQueueDepthGauge exports the number of QUEUED runs as an
// observable gauge, read from the store on every scrape.
func RegisterQueueDepthGauge(queue store.Queue) error {
	meter := otel.Meter("flowplane")

	gauge, err := meter.Int64ObservableGauge("flowplane_queue_depth",
		otelmetric.WithDescription("Number of runs waiting in the queue"))
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		depth, err := queue.CountQueued(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, depth)
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}
	return nil
}
