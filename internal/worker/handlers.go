package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowplane/internal/pipeline"
)

// RegisterBuiltins installs the handlers every worker ships with. Real
// deployments register their own alongside these.
//
//	noop  — succeeds immediately, echoes its config as output
//	sleep — sleeps config.duration (e.g. "2s"), honoring cancellation
func RegisterBuiltins(reg *pipeline.Registry) error {
	if err := reg.Register("noop", noopHandler); err != nil {
		return err
	}
	return reg.Register("sleep", sleepHandler)
}

func noopHandler(ctx context.Context, step pipeline.Step, rc pipeline.RunContext) (pipeline.StepResult, error) {
	out, err := json.Marshal(map[string]interface{}{"step": step.ID, "config": step.Config})
	if err != nil {
		return pipeline.StepResult{Status: pipeline.StepFailed}, err
	}
	return pipeline.StepResult{Status: pipeline.StepSuccess, Output: out}, nil
}

func sleepHandler(ctx context.Context, step pipeline.Step, rc pipeline.RunContext) (pipeline.StepResult, error) {
	d := time.Second
	if raw, ok := step.Config["duration"]; ok {
		s, ok := raw.(string)
		if !ok {
			return pipeline.StepResult{Status: pipeline.StepFailed},
				fmt.Errorf("sleep step %q: duration must be a string", step.ID)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return pipeline.StepResult{Status: pipeline.StepFailed},
				fmt.Errorf("sleep step %q: %w", step.ID, err)
		}
		d = parsed
	}

	select {
	case <-ctx.Done():
		return pipeline.StepResult{Status: pipeline.StepFailed}, ctx.Err()
	case <-time.After(d):
		return pipeline.StepResult{Status: pipeline.StepSuccess}, nil
	}
}
