// Package recovery repairs state left behind by an unclean shutdown. It
// runs once at startup, before the API starts accepting traffic, so no
// workflow stays wedged behind a job whose executor died.
package recovery

import (
	"context"
	"log/slog"

	"certflow/internal/models"
)

// Lister is the store slice the sweep reads from.
type Lister interface {
	ListUnfinishedJobs(ctx context.Context) ([]models.Job, error)
	ListWorkflowsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Workflow, error)
}

// Recoverer consumes what the sweep finds. The state machine implements it.
type Recoverer interface {
	RecoverOrphan(ctx context.Context, job models.Job)
	ReleaseStalled(ctx context.Context, workflowID string)
}

// Coordinator finds and hands off work interrupted by the last shutdown.
type Coordinator struct {
	store  Lister
	engine Recoverer
	logger *slog.Logger
}

// New constructs a recovery coordinator.
func New(store Lister, engine Recoverer, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, engine: engine, logger: logger}
}

// Sweep hands every job still queued or running to the state machine,
// which settles the row and decides retry or error. It then releases any
// workflow left in running status with no such job: a crash during a retry
// backoff window leaves exactly that shape behind, and only the poller can
// move it once its status returns to pending.
func (c *Coordinator) Sweep(ctx context.Context) error {
	jobs, err := c.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	swept := make(map[string]bool, len(jobs))
	if len(jobs) > 0 {
		c.logger.Warn("recovery sweep found orphaned jobs", "count", len(jobs))
	}
	for _, job := range jobs {
		swept[job.WorkflowID] = true
		c.engine.RecoverOrphan(ctx, job)
	}

	running, err := c.store.ListWorkflowsByStatus(ctx, models.StatusRunning)
	if err != nil {
		return err
	}
	stalled := 0
	for _, wf := range running {
		if swept[wf.ID] {
			continue
		}
		stalled++
		c.engine.ReleaseStalled(ctx, wf.ID)
	}
	if stalled > 0 {
		c.logger.Warn("recovery sweep released stalled workflows", "count", stalled)
	}
	if len(jobs) == 0 && stalled == 0 {
		c.logger.Info("recovery sweep clean")
	}
	return nil
}
