package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowplane/internal/errclass"
	"flowplane/internal/retry"
	"flowplane/internal/store"
)

// Executor drives a run through its execution levels. Steps within a level
// run concurrently; level k+1 never starts until level k is fully resolved.
type Executor struct {
	runs     store.RunStore
	registry *Registry
	policy   retry.Policy
	logger   *slog.Logger
}

// NewExecutor creates an executor. The policy's delay/class configuration is
// shared across runs; the retry budget comes from each run's MaxRetries.
func NewExecutor(runs store.RunStore, registry *Registry, policy retry.Policy, logger *slog.Logger) *Executor {
	return &Executor{
		runs:     runs,
		registry: registry,
		policy:   policy,
		logger:   logger,
	}
}

type stepOutcome struct {
	stepID string
	result StepResult
	err    error
}

// Execute runs the definition's levels in order and transitions the run to
// a terminal state. The returned status is the run's terminal status; the
// error is non-nil only for infrastructure faults (e.g. the store becoming
// unavailable), in which case the run is marked FAILED as well.
//
// Cancellation is cooperative: the run's status is re-read before each
// level, and a CANCELLED run stops scheduling further levels. Steps already
// in flight are allowed to finish.
func (e *Executor) Execute(ctx context.Context, run *store.Run, def *Definition, params map[string]string) (store.RunStatus, error) {
	levels, err := BuildLevels(def)
	if err != nil {
		return e.fail(run, fmt.Sprintf("invalid pipeline graph: %v", err)), nil
	}

	steps := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = s
	}

	rc := RunContext{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		PipelineID: run.PipelineID,
		Params:     params,
		Outputs:    make(map[string]json.RawMessage),
	}

	for levelIdx, level := range levels {
		current, err := e.runs.GetRunByID(ctx, run.ID)
		if err != nil {
			return e.fail(run, fmt.Sprintf("failed to read run state: %v", err)), fmt.Errorf("failed to read run %s: %w", run.ID, err)
		}
		if current.Status == store.RunStatusCancelled {
			e.logger.Info("run cancelled, aborting before next level",
				"run_id", run.ID, "level", levelIdx)
			return store.RunStatusCancelled, nil
		}
		if ctx.Err() != nil {
			return e.fail(run, fmt.Sprintf("execution context closed: %v", ctx.Err())), nil
		}

		outcomes := e.runLevel(ctx, run, steps, level, rc)

		var failed *stepOutcome
		for i := range outcomes {
			o := &outcomes[i]
			if o.err != nil {
				if failed == nil {
					failed = o
				}
				continue
			}
			// Results of failed levels are still recorded above; outputs
			// only feed later levels on success.
			rc.Outputs[o.stepID] = o.result.Output
		}

		if failed != nil {
			return e.fail(run, fmt.Sprintf("step %q failed: %v", failed.stepID, failed.err)), nil
		}
	}

	if err := e.runs.UpdateRunStatus(context.Background(), nil, run.ID, store.RunStatusCompleted, nil); err != nil {
		return store.RunStatusFailed, fmt.Errorf("failed to mark run %s completed: %w", run.ID, err)
	}
	e.logger.Info("run completed", "run_id", run.ID, "pipeline_id", run.PipelineID, "levels", len(levels))
	return store.RunStatusCompleted, nil
}

// runLevel dispatches every step of a level concurrently and joins on the
// whole level. No intra-level ordering exists or may be relied upon.
func (e *Executor) runLevel(ctx context.Context, run *store.Run, steps map[string]Step, level []string, rc RunContext) []stepOutcome {
	outcomes := make([]stepOutcome, len(level))

	var wg sync.WaitGroup
	for i, stepID := range level {
		wg.Add(1)
		go func(i int, stepID string) {
			defer wg.Done()
			outcomes[i] = e.runStep(ctx, run, steps[stepID], rc)
		}(i, stepID)
	}
	wg.Wait()

	return outcomes
}

// runStep executes one step with retries. Only transient-class failures
// within the run's retry budget are retried; backoff waits respect ctx.
func (e *Executor) runStep(ctx context.Context, run *store.Run, step Step, rc RunContext) stepOutcome {
	handler, ok := e.registry.Get(step.Handler)
	if !ok {
		err := errclass.Newf(errclass.Permanent, "handler %q not registered", step.Handler)
		e.recordStep(run, step.ID, store.StepStatusFailed, 0, nil, err)
		return stepOutcome{stepID: step.ID, err: err}
	}

	policy := e.policy
	policy.MaxRetries = run.MaxRetries

	started := time.Now().UTC()
	se := &store.StepExecution{
		RunID:     run.ID,
		StepID:    step.ID,
		Status:    store.StepStatusRunning,
		StartedAt: &started,
	}

	for attempt := 0; ; attempt++ {
		se.AttemptCount = attempt + 1
		if err := e.runs.SaveStepExecution(ctx, se); err != nil {
			e.logger.Error("failed to persist step state",
				"run_id", run.ID, "step_id", step.ID, "error", err)
		}

		result, err := handler(ctx, step, rc)
		if err == nil && result.Status == StepSuccess {
			e.recordStep(run, step.ID, store.StepStatusCompleted, se.AttemptCount, result.Output, nil)
			e.logger.Info("step completed",
				"run_id", run.ID, "step_id", step.ID, "attempts", se.AttemptCount)
			return stepOutcome{stepID: step.ID, result: result}
		}
		if err == nil {
			err = errclass.Newf(errclass.Permanent, "handler reported %s", result.Status)
		}

		class := errclass.Classify(err)
		if !policy.ShouldRetry(class, attempt) {
			e.recordStep(run, step.ID, store.StepStatusFailed, se.AttemptCount, nil, err)
			e.logger.Error("step failed terminally",
				"run_id", run.ID, "step_id", step.ID, "class", string(class),
				"attempts", se.AttemptCount, "error", err)
			return stepOutcome{stepID: step.ID, err: err}
		}

		delay := policy.NextDelay(attempt)
		e.logger.Info("retrying step",
			"run_id", run.ID, "step_id", step.ID, "attempt", attempt+1,
			"class", string(class), "backoff", delay.String())

		select {
		case <-ctx.Done():
			err = fmt.Errorf("retry wait interrupted: %w", ctx.Err())
			e.recordStep(run, step.ID, store.StepStatusFailed, se.AttemptCount, nil, err)
			return stepOutcome{stepID: step.ID, err: err}
		case <-time.After(delay):
		}
	}
}

// recordStep persists the terminal state of a step. Terminal writes use a
// background context so a cancelled run context cannot lose the record.
func (e *Executor) recordStep(run *store.Run, stepID string, status store.StepStatus, attempts int, output json.RawMessage, stepErr error) {
	ended := time.Now().UTC()
	se := &store.StepExecution{
		RunID:        run.ID,
		StepID:       stepID,
		Status:       status,
		AttemptCount: attempts,
		EndedAt:      &ended,
		Output:       output,
	}
	if stepErr != nil {
		msg := stepErr.Error()
		se.ErrorMessage = &msg
	}
	if err := e.runs.SaveStepExecution(context.Background(), se); err != nil {
		e.logger.Error("failed to persist terminal step state",
			"run_id", run.ID, "step_id", stepID, "error", err)
	}
}

// fail marks the run FAILED with the given message and returns the status.
func (e *Executor) fail(run *store.Run, msg string) store.RunStatus {
	if err := e.runs.UpdateRunStatus(context.Background(), nil, run.ID, store.RunStatusFailed, &msg); err != nil {
		e.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	e.logger.Error("run failed", "run_id", run.ID, "pipeline_id", run.PipelineID, "reason", msg)
	return store.RunStatusFailed
}
