// Package worker contains the pull-loop that claims queued runs and drives
// them through the executor.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flowplane/internal/orchestrator"
	"flowplane/internal/pipeline"
	"flowplane/internal/store"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration // minimum poll interval when work is flowing
	MaxBackoff   time.Duration // cap for the empty-queue backoff (default: 30s)
	RunTimeout   time.Duration // wall-clock budget per run (default: 30m)
}

// Agent claims runs from the queue and executes them. One agent runs up to
// Concurrency runs at a time; polling backs off exponentially while the
// queue is empty and snaps back the moment work appears.
type Agent struct {
	queue     store.Queue
	runs      store.RunStore
	pipelines store.PipelineStore
	executor  *pipeline.Executor
	orch      *orchestrator.Orchestrator
	config    AgentConfig
	logger    *slog.Logger
	done      chan struct{}
}

// New creates a worker agent.
func New(
	queue store.Queue,
	runs store.RunStore,
	pipelines store.PipelineStore,
	executor *pipeline.Executor,
	orch *orchestrator.Orchestrator,
	config AgentConfig,
	logger *slog.Logger,
) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 30 * time.Minute
	}

	return &Agent{
		queue:     queue,
		runs:      runs,
		pipelines: pipelines,
		executor:  executor,
		orch:      orch,
		config:    config,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Run starts the pull-loop. It blocks until the context is cancelled, then
// stops claiming new work and drains in-flight runs.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("worker agent starting",
		"worker_id", a.config.ID, "concurrency", a.config.Concurrency)

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	currentBackoff := a.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("worker agent draining", "worker_id", a.config.ID)
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			// The timer and pollNow cases race ctx.Done() in the select;
			// once shutdown started, stop claiming instead of dequeuing
			// against a dead context until the done branch wins.
			if ctx.Err() != nil {
				continue
			}
			if len(sem) >= a.config.Concurrency {
				continue
			}

			item, err := a.queue.DequeueNext(ctx, a.config.ID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				a.logger.Error("dequeue failed", "worker_id", a.config.ID, "error", err)
				continue
			}
			if item == nil {
				currentBackoff *= 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}
			currentBackoff = a.config.PollInterval

			sem <- struct{}{}
			wg.Add(1)
			go func(item *store.QueueItem) {
				defer wg.Done()
				defer func() {
					<-sem
					triggerPoll()
				}()
				a.processItem(ctx, item)
			}(item)

			// More work may be waiting; don't sit out the backoff.
			triggerPoll()
		}
	}
}

// Done returns a channel that is closed when the agent has fully drained.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem executes one claimed run end to end. The execution context is
// detached from the poll context so SIGTERM drains gracefully instead of
// killing in-flight runs; the run's own timeout still applies.
func (a *Agent) processItem(ctx context.Context, item *store.QueueItem) {
	run, err := a.runs.GetRunByID(ctx, item.RunID)
	if err != nil {
		a.logger.Error("claimed run not loadable", "run_id", item.RunID, "error", err)
		if err := a.queue.CompleteEntry(context.Background(), item.RunID, store.QueueStateFailed); err != nil {
			a.logger.Error("failed to close orphaned queue entry", "run_id", item.RunID, "error", err)
		}
		return
	}

	// A run cancelled while still queued is skipped, not executed. Its lock
	// and quota are returned here, on the single terminal path.
	if run.Status.Terminal() {
		a.logger.Info("skipping terminal run", "run_id", run.ID, "status", string(run.Status))
		a.orch.FinishRun(context.Background(), run, run.Status, nil)
		return
	}

	var payload orchestrator.RunPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		a.failRun(run, fmt.Sprintf("invalid queue payload: %v", err))
		return
	}

	p, err := a.pipelines.GetPipelineByID(ctx, run.PipelineID)
	if err != nil {
		a.failRun(run, fmt.Sprintf("pipeline not loadable: %v", err))
		return
	}
	def, err := pipeline.ParseDefinition(p.Spec)
	if err != nil {
		a.failRun(run, fmt.Sprintf("stored pipeline spec no longer parses: %v", err))
		return
	}

	tracer := otel.Tracer("worker-agent")
	execCtx, span := tracer.Start(context.Background(), "execute_run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID.String()),
			attribute.String("pipeline.id", run.PipelineID.String()),
			attribute.String("tenant.id", run.TenantID.String()),
			attribute.String("worker.id", a.config.ID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(execCtx, a.config.RunTimeout)
	defer cancel()

	a.logger.Info("executing run",
		"run_id", run.ID, "pipeline_id", run.PipelineID, "worker_id", a.config.ID)

	status, execErr := a.executor.Execute(execCtx, run, def, payload.Params)
	if execErr != nil {
		span.RecordError(execErr)
		a.logger.Error("run execution hit an infrastructure fault",
			"run_id", run.ID, "error", execErr)
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	a.orch.FinishRun(context.Background(), run, status, execErr)
}

// failRun marks a run FAILED before execution ever started and returns its
// resources.
func (a *Agent) failRun(run *store.Run, msg string) {
	a.logger.Error("run rejected by worker", "run_id", run.ID, "reason", msg)
	if err := a.runs.UpdateRunStatus(context.Background(), nil, run.ID, store.RunStatusFailed, &msg); err != nil {
		a.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	a.orch.FinishRun(context.Background(), run, store.RunStatusFailed, fmt.Errorf("%s", msg))
}
