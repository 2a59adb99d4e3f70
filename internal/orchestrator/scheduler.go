package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"flowplane/internal/errclass"
	"flowplane/internal/schedule"
	"flowplane/internal/store"
)

// Scheduler fires scheduled pipelines. Each tick scans every pipeline with a
// cron expression and submits a run for the due ones. Overlapping fires are
// absorbed by the run lock (ALREADY_RUNNING); quota rejections are logged
// and retried naturally on a later tick.
type Scheduler struct {
	pipelines store.PipelineStore
	runs      store.RunStore
	orch      *Orchestrator
	logger    *slog.Logger

	now func() time.Time // test seam
}

// NewScheduler creates a scheduler.
func NewScheduler(pipelines store.PipelineStore, runs store.RunStore, orch *Orchestrator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pipelines: pipelines,
		runs:      runs,
		orch:      orch,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans scheduled pipelines once and submits the due ones. One broken
// pipeline (bad cron, missing tenant) never blocks the rest of the scan.
func (s *Scheduler) Tick(ctx context.Context) {
	pipelines, err := s.pipelines.ListScheduledPipelines(ctx)
	if err != nil {
		s.logger.Error("failed to list scheduled pipelines", "error", err)
		return
	}

	now := s.now()
	for i := range pipelines {
		p := &pipelines[i]
		if err := s.fireIfDue(ctx, p, now); err != nil {
			s.logger.Error("scheduled fire failed",
				"pipeline_id", p.ID, "tenant_id", p.TenantID, "error", err)
		}
	}
}

// fireIfDue submits a run when the pipeline's next fire time, computed from
// its last run (or its creation time if it never ran), has passed.
func (s *Scheduler) fireIfDue(ctx context.Context, p *store.Pipeline, now time.Time) error {
	last, err := s.runs.LastRunCreatedAt(ctx, p.ID)
	if err != nil {
		return err
	}
	anchor := p.CreatedAt
	if last != nil {
		anchor = *last
	}

	due, err := schedule.IsDue(*p.Schedule, p.Timezone, anchor, now)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	sub, err := s.orch.SubmitRun(ctx, p.TenantID, p.ID, nil, DefaultPriority)
	if err != nil {
		// Quota rejections are expected under load; the pipeline fires on a
		// later tick once capacity frees up.
		if errclass.Classify(err) == errclass.Quota {
			s.logger.Info("scheduled fire deferred by quota",
				"pipeline_id", p.ID, "tenant_id", p.TenantID, "error", err)
			return nil
		}
		return err
	}

	if sub.Status == StatusAlreadyRunning {
		s.logger.Info("scheduled fire skipped, previous run still holds the lock",
			"pipeline_id", p.ID, "holder_run_id", sub.RunID)
		return nil
	}

	s.logger.Info("scheduled run fired",
		"pipeline_id", p.ID, "tenant_id", p.TenantID, "run_id", sub.RunID)
	return nil
}
