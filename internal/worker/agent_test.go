package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/lock"
	"flowplane/internal/orchestrator"
	"flowplane/internal/pipeline"
	"flowplane/internal/quota"
	"flowplane/internal/retry"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []orchestrator.RunEvent
}

func (n *capturingNotifier) Notify(ctx context.Context, ev orchestrator.RunEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *capturingNotifier) all() []orchestrator.RunEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]orchestrator.RunEvent{}, n.events...)
}

type fixture struct {
	store    *memory.Store
	orch     *orchestrator.Orchestrator
	agent    *Agent
	notifier *capturingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &capturingNotifier{}

	orch := orchestrator.New(s, s, s, s, s,
		lock.NewManager(s, s, logger),
		quota.NewManager(s, s, logger),
		notifier, logger)

	reg := pipeline.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	policy := retry.DefaultPolicy(0)
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	executor := pipeline.NewExecutor(s, reg, policy, logger)

	agent := New(s, s, s, executor, orch, AgentConfig{
		ID:           "worker-test",
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		RunTimeout:   5 * time.Second,
	}, logger)

	return &fixture{store: s, orch: orch, agent: agent, notifier: notifier}
}

func (f *fixture) submit(t *testing.T, spec string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tenant := &store.Tenant{ID: uuid.New(), Name: "acme", CreatedAt: time.Now().UTC()}
	if err := f.store.CreateTenant(ctx, tenant, "hash-"+tenant.ID.String()); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	p, err := f.orch.CreatePipeline(ctx, &store.Pipeline{
		TenantID: tenant.ID, Name: "etl", Spec: []byte(spec), MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	sub, err := f.orch.SubmitRun(ctx, tenant.ID, p.ID, nil, orchestrator.DefaultPriority)
	if err != nil {
		t.Fatalf("SubmitRun failed: %v", err)
	}
	return sub.RunID
}

func waitForStatus(t *testing.T, s *memory.Store, runID uuid.UUID, want store.RunStatus) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRunByID(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRunByID failed: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := s.GetRunByID(context.Background(), runID)
	t.Fatalf("run %s stuck in %s, want %s", runID, run.Status, want)
	return nil
}

func TestAgent_ExecutesQueuedRunToCompletion(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t, `
steps:
  - id: extract
    handler: noop
  - id: load
    handler: noop
`)

	ctx, cancel := context.WithCancel(context.Background())
	go f.agent.Run(ctx)

	waitForStatus(t, f.store, runID, store.RunStatusCompleted)
	cancel()
	<-f.agent.Done()

	steps, err := f.store.ListStepExecutions(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListStepExecutions failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d step records, want 2", len(steps))
	}
	for _, se := range steps {
		if se.Status != store.StepStatusCompleted {
			t.Errorf("step %s status = %s, want COMPLETED", se.StepID, se.Status)
		}
	}

	events := f.notifier.all()
	if len(events) != 1 || events[0].Status != store.RunStatusCompleted {
		t.Errorf("notifications = %+v, want one COMPLETED event", events)
	}
}

func TestAgent_UnknownHandlerFailsRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t, `
steps:
  - id: mystery
    handler: does_not_exist
`)

	ctx, cancel := context.WithCancel(context.Background())
	go f.agent.Run(ctx)

	run := waitForStatus(t, f.store, runID, store.RunStatusFailed)
	cancel()
	<-f.agent.Done()

	if run.ErrorMessage == nil {
		t.Error("failed run carries no error message")
	}

	events := f.notifier.all()
	if len(events) != 1 || events[0].Status != store.RunStatusFailed {
		t.Fatalf("notifications = %+v, want one FAILED event", events)
	}
	if events[0].Error == nil {
		t.Error("failure event carries no error")
	}
}

func TestAgent_SkipsRunCancelledWhileQueued(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t, `
steps:
  - id: extract
    handler: noop
`)

	// Cancel before any worker claims the run.
	run, err := f.store.GetRunByID(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunByID failed: %v", err)
	}
	if _, err := f.orch.CancelRun(context.Background(), run.TenantID, runID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go f.agent.Run(ctx)

	// The agent claims the entry, notices the terminal run, and returns its
	// resources without executing anything.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.notifier.all()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-f.agent.Done()

	steps, _ := f.store.ListStepExecutions(context.Background(), runID)
	if len(steps) != 0 {
		t.Errorf("cancelled run executed %d steps, want 0", len(steps))
	}

	events := f.notifier.all()
	if len(events) != 1 || events[0].Status != store.RunStatusCancelled {
		t.Fatalf("notifications = %+v, want one CANCELLED event", events)
	}

	// Lock and quota were returned: the same pipeline is submittable again.
	sub, err := f.orch.SubmitRun(context.Background(), run.TenantID, run.PipelineID, nil, orchestrator.DefaultPriority)
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if sub.Status != orchestrator.StatusPending {
		t.Errorf("got status %s after cancelled run finished, want PENDING", sub.Status)
	}
}

// ctxStrictQueue fails DequeueNext on a cancelled context the way a real
// database driver does.
type ctxStrictQueue struct {
	*memory.Store
}

func (q *ctxStrictQueue) DequeueNext(ctx context.Context, workerID string) (*store.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.Store.DequeueNext(ctx, workerID)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgent_ShutdownDoesNotLogDequeueErrors(t *testing.T) {
	s := memory.New()
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))
	notifier := &capturingNotifier{}

	orch := orchestrator.New(s, s, s, s, s,
		lock.NewManager(s, s, logger),
		quota.NewManager(s, s, logger),
		notifier, logger)

	reg := pipeline.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	executor := pipeline.NewExecutor(s, reg, retry.DefaultPolicy(0), logger)

	agent := New(&ctxStrictQueue{s}, s, s, executor, orch, AgentConfig{
		ID:           "worker-test",
		Concurrency:  2,
		PollInterval: time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		RunTimeout:   time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)

	// Let the loop spin on the empty queue, then pull the plug. Polls that
	// lose the select race against ctx.Done() must not surface cancellation
	// as dequeue failures.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-agent.Done()

	if logged := out.String(); strings.Contains(logged, "dequeue failed") {
		t.Errorf("shutdown logged dequeue errors:\n%s", logged)
	}
}

func TestAgent_DrainsInFlightRunsOnShutdown(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t, `
steps:
  - id: slow
    handler: sleep
    config:
      duration: 50ms
`)

	ctx, cancel := context.WithCancel(context.Background())
	go f.agent.Run(ctx)

	// Wait until the run is claimed, then pull the plug mid-flight.
	waitForStatus(t, f.store, runID, store.RunStatusRunning)
	cancel()
	<-f.agent.Done()

	run, err := f.store.GetRunByID(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunByID failed: %v", err)
	}
	if run.Status != store.RunStatusCompleted {
		t.Errorf("run status = %s after drain, want COMPLETED", run.Status)
	}
}
