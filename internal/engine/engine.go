// Package engine is the workflow state machine: the sole authority for
// stage and status transitions. It decides what to enqueue next,
// interprets job outcomes, and is the only writer of workflow stage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"certflow/internal/blobstore"
	"certflow/internal/config"
	"certflow/internal/external"
	"certflow/internal/faults"
	"certflow/internal/models"
	"certflow/internal/store"
	"certflow/internal/telemetry"
	"certflow/internal/worker"
)

// Store is the slice of the record store the state machine writes through.
// *store.Store implements it.
type Store interface {
	CreateWorkflow(ctx context.Context, params models.Parameters) (models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListWorkflowsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status models.Status) error
	AdvanceWorkflowStage(ctx context.Context, id string, target models.Stage) error
	FailWorkflow(ctx context.Context, id, message, resumeToken string) error
	PauseWorkflow(ctx context.Context, id, resumeToken string) error
	ConsumeResumeToken(ctx context.Context, id, token string) (bool, error)
	ResetWorkflowStage(ctx context.Context, id string, target models.Stage) error
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	FinishJob(ctx context.Context, id string, status models.JobStatus, errDetail *string) error
	ArchiveJobsThrough(ctx context.Context, workflowID string, reached models.Stage) error
	ListArtifactsByKind(ctx context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error)
	AppendAudit(ctx context.Context, workflowID, event, detail string) error
}

// Queuer is the admission-control surface the engine submits to.
type Queuer interface {
	Enqueue(spec worker.Spec) (string, error)
	Finish(jobID string)
	Cancel(jobID string) bool
	ActiveJob(workflowID string) (string, bool)
}

// Engine drives workflows through the fixed stage pipeline.
type Engine struct {
	cfg    config.Config
	store  Store
	queue  Queuer
	ext    external.Services
	policy *external.Policy
	blob   blobstore.Uploader
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*wfLock
	epochs map[string]uint64
}

// New constructs the engine.
func New(cfg config.Config, st Store, q Queuer, ext external.Services, policy *external.Policy, blob blobstore.Uploader, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		queue:  q,
		ext:    ext,
		policy: policy,
		blob:   blob,
		logger: logger,
		locks:  make(map[string]*wfLock),
		epochs: make(map[string]uint64),
	}
}

type wfLock struct {
	mu   sync.Mutex
	refs int
}

// lockWorkflow serializes engine decisions per workflow. The returned
// unlock drops the map entry once its last holder leaves, so the map holds
// one mutex per workflow with a decision in flight, not per workflow ever
// seen.
func (e *Engine) lockWorkflow(id string) (unlock func()) {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &wfLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// epoch returns the workflow's reset generation. Jobs carry the epoch they
// were enqueued under; an outcome from an older epoch is stale and must not
// touch the workflow.
func (e *Engine) epoch(id string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs[id]
}

func (e *Engine) bumpEpoch(id string) {
	e.mu.Lock()
	e.epochs[id]++
	e.mu.Unlock()
}

// CreateWorkflow validates parameters and inserts a new workflow in stage
// created / status pending.
func (e *Engine) CreateWorkflow(ctx context.Context, params models.Parameters) (models.Workflow, error) {
	if err := params.Validate(); err != nil {
		return models.Workflow{}, err
	}
	wf, err := e.store.CreateWorkflow(ctx, params)
	if err != nil {
		return models.Workflow{}, err
	}
	_ = e.store.AppendAudit(ctx, wf.ID, "created", "candidate="+params.CandidateRef)
	telemetry.WorkflowsCreated.Inc()
	e.logger.Info("workflow created", "workflow", wf.ID, "candidate", params.CandidateRef)
	return wf, nil
}

// AdvanceIfEligible is idempotent: call it any number of times. It is a
// no-op unless the current stage's prerequisite is ready and no job is
// already active for the workflow. Returns whether a job was enqueued.
func (e *Engine) AdvanceIfEligible(ctx context.Context, workflowID string) (bool, error) {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return false, err
	}
	unlock := e.lockWorkflow(id)
	defer unlock()

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, err
	}
	switch wf.Status {
	case models.StatusRunning, models.StatusPaused, models.StatusFailed, models.StatusCompletedState:
		return false, nil
	}
	return e.advanceLocked(ctx, wf, 1)
}

// advanceLocked runs the current stage's transition function and enqueues
// its plan. Callers hold the workflow lock. attempt carries the retry
// counter across re-enqueues.
func (e *Engine) advanceLocked(ctx context.Context, wf models.Workflow, attempt int) (bool, error) {
	if wf.Stage.Terminal() {
		return false, nil
	}
	fn, ok := transitions[wf.Stage]
	if !ok {
		return false, nil
	}
	dec, err := fn(ctx, e, wf)
	if err != nil {
		e.logger.Warn("eligibility check failed", "workflow", wf.ID, "stage", wf.Stage, "error", err)
		return false, err
	}
	if dec.terminal {
		return false, nil
	}
	if !dec.eligible {
		if dec.await && wf.Status != models.StatusAwaitingEvent {
			if err := e.store.SetWorkflowStatus(ctx, wf.ID, models.StatusAwaitingEvent); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		WorkflowID:  wf.ID,
		StageTarget: dec.plan.target,
		Priority:    dec.plan.priority,
		Attempt:     attempt,
		MaxAttempts: e.cfg.MaxAttempts,
	})
	if err != nil {
		return false, err
	}
	spec := worker.Spec{
		JobID:       job.ID,
		WorkflowID:  wf.ID,
		StageTarget: dec.plan.target,
		Priority:    dec.plan.priority,
		Attempt:     attempt,
		MaxAttempts: e.cfg.MaxAttempts,
		Epoch:       e.epoch(wf.ID),
		Handler:     dec.plan.handler,
	}
	if _, err := e.queue.Enqueue(spec); err != nil {
		if errors.Is(err, faults.ErrDuplicateActiveJob) {
			detail := "superseded by an already active job"
			_ = e.store.FinishJob(ctx, job.ID, models.JobCancelled, &detail)
			return false, nil
		}
		detail := err.Error()
		_ = e.store.FinishJob(ctx, job.ID, models.JobFailed, &detail)
		return false, err
	}
	if err := e.store.SetWorkflowStatus(ctx, wf.ID, models.StatusRunning); err != nil {
		e.logger.Error("set running failed after enqueue", "workflow", wf.ID, "error", err)
	}
	return true, nil
}

// ManualTrigger forces an immediate eligibility check against the live
// external system instead of waiting for the next poll interval. It goes
// through the same AdvanceIfEligible path, so the eligibility logic has
// exactly one home.
func (e *Engine) ManualTrigger(ctx context.Context, workflowID string) (bool, error) {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return false, err
	}
	_ = e.store.AppendAudit(ctx, id, "manual_trigger", "")
	return e.AdvanceIfEligible(ctx, id)
}

// OnJobOutcome is the runner's callback and the success path's only
// stage writer. Failure paths schedule retries with backoff until the
// attempt budget is exhausted, then park the workflow in failed status.
func (e *Engine) OnJobOutcome(ctx context.Context, o worker.Outcome) {
	// Release the workflow's queue slot first so the next stage can be
	// enqueued from inside this handler.
	e.queue.Finish(o.JobID)

	unlock := e.lockWorkflow(o.WorkflowID)

	// A job enqueued before a manual reset reports into a workflow that has
	// moved underneath it. The runner already settled the job row; nothing
	// here may touch the workflow.
	if o.Epoch != e.epoch(o.WorkflowID) {
		unlock()
		_ = e.store.AppendAudit(ctx, o.WorkflowID, "stale_outcome_discarded",
			fmt.Sprintf("job=%s stage_target=%s", o.JobID, o.StageTarget))
		e.logger.Warn("discarding outcome from before a reset",
			"workflow", o.WorkflowID, "job", o.JobID, "stage_target", o.StageTarget)
		return
	}

	switch {
	case o.Err == nil:
		e.onSuccessLocked(ctx, o)
		unlock()
		// Chain straight into the next stage; the poller would get there
		// eventually, this just avoids the wait.
		if _, err := e.AdvanceIfEligible(ctx, o.WorkflowID); err != nil {
			e.logger.Warn("post-advance failed", "workflow", o.WorkflowID, "error", err)
		}
		return

	case o.Cancelled:
		// Cancellation does not consume the attempt budget.
		_ = e.store.AppendAudit(ctx, o.WorkflowID, "job_cancelled",
			fmt.Sprintf("stage_target=%s attempt=%d", o.StageTarget, o.Attempt))
		e.scheduleRetryLocked(o.WorkflowID, o.Attempt)
		unlock()
		return

	default:
		e.onFailureLocked(ctx, o)
		unlock()
		return
	}
}

func (e *Engine) onSuccessLocked(ctx context.Context, o worker.Outcome) {
	if err := e.store.AdvanceWorkflowStage(ctx, o.WorkflowID, o.StageTarget); err != nil {
		e.logger.Error("stage advance rejected", "workflow", o.WorkflowID, "target", o.StageTarget, "error", err)
		return
	}
	_ = e.store.ArchiveJobsThrough(ctx, o.WorkflowID, o.StageTarget)
	_ = e.store.AppendAudit(ctx, o.WorkflowID, "stage_advanced", string(o.StageTarget))
	e.logger.Info("stage advanced", "workflow", o.WorkflowID, "stage", o.StageTarget)
	if o.StageTarget == models.StageCompleted {
		telemetry.WorkflowsComplete.Inc()
	}
}

func (e *Engine) onFailureLocked(ctx context.Context, o worker.Outcome) {
	exhausted := o.Attempt >= o.MaxAttempts
	if faults.IsPermanent(o.Err) || exhausted {
		token := models.NewID()
		msg := fmt.Sprintf("stage %s failed after %d attempt(s): %v", o.StageTarget, o.Attempt, o.Err)
		if err := e.store.FailWorkflow(ctx, o.WorkflowID, msg, token); err != nil {
			e.logger.Error("fail workflow write failed", "workflow", o.WorkflowID, "cause", msg, "error", err)
			return
		}
		_ = e.store.AppendAudit(ctx, o.WorkflowID, "workflow_error", msg)
		telemetry.WorkflowsErrored.Inc()
		e.logger.Error("workflow entered error state", "workflow", o.WorkflowID, "stage_target", o.StageTarget, "cause", o.Err)
		return
	}
	_ = e.store.AppendAudit(ctx, o.WorkflowID, "retry_scheduled",
		fmt.Sprintf("stage_target=%s attempt=%d error=%v", o.StageTarget, o.Attempt, o.Err))
	telemetry.JobsRetried.Inc()
	e.scheduleRetryLocked(o.WorkflowID, o.Attempt+1)
}

// scheduleRetryLocked re-enqueues the current stage after backoff. The
// workflow stays in running status through the backoff window, which is
// what keeps concurrent AdvanceIfEligible calls no-ops meanwhile.
func (e *Engine) scheduleRetryLocked(workflowID string, attempt int) {
	delay := worker.RetryDelay(e.cfg, attempt)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		unlock := e.lockWorkflow(workflowID)
		defer unlock()

		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			e.logger.Error("retry lookup failed", "workflow", workflowID, "error", err)
			return
		}
		// Only retry if the workflow is still held by this stage's
		// failure; resets, resumes, and pauses win.
		if wf.Status != models.StatusRunning || wf.Stage.Terminal() {
			return
		}
		if _, err := e.advanceLocked(ctx, wf, attempt); err != nil {
			e.logger.Warn("retry enqueue failed", "workflow", workflowID, "error", err)
			_ = e.store.SetWorkflowStatus(ctx, workflowID, models.StatusPending)
		}
	})
}

// RecoverOrphan repairs one job whose executor and queue died with the
// last process. A job caught mid-flight spends one attempt, like a
// transient failure would; a job that was still waiting for a slot never
// started, so it is re-enqueued on the same attempt.
func (e *Engine) RecoverOrphan(ctx context.Context, job models.Job) {
	interrupted := job.Status == models.JobRunning
	nextAttempt := job.Attempt
	if interrupted {
		nextAttempt = job.Attempt + 1
		detail := faults.ErrOrphanedJob.Error()
		if err := e.store.FinishJob(ctx, job.ID, models.JobFailed, &detail); err != nil {
			e.logger.Error("orphan job status write failed", "job", job.ID, "error", err)
			return
		}
	} else {
		detail := "queued at shutdown"
		if err := e.store.FinishJob(ctx, job.ID, models.JobCancelled, &detail); err != nil {
			e.logger.Error("orphan job status write failed", "job", job.ID, "error", err)
			return
		}
	}
	telemetry.JobsOrphaned.Inc()
	_ = e.store.AppendAudit(ctx, job.WorkflowID, "orphan_recovered",
		fmt.Sprintf("job=%s stage_target=%s attempt=%d was=%s", job.ID, job.StageTarget, job.Attempt, job.Status))

	// An orphaned fan-out child is settled by its parent's recovery; the
	// parent re-runs the whole fan-out when it retries.
	if job.ParentJobID != nil {
		return
	}

	unlock := e.lockWorkflow(job.WorkflowID)
	defer unlock()

	if interrupted && job.Attempt >= job.MaxAttempts {
		token := models.NewID()
		msg := fmt.Sprintf("stage %s orphaned after %d attempt(s)", job.StageTarget, job.Attempt)
		if err := e.store.FailWorkflow(ctx, job.WorkflowID, msg, token); err != nil {
			e.logger.Error("fail workflow write failed", "workflow", job.WorkflowID, "error", err)
		}
		telemetry.WorkflowsErrored.Inc()
		return
	}
	wf, err := e.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		e.logger.Error("orphan workflow lookup failed", "workflow", job.WorkflowID, "error", err)
		return
	}
	if wf.Stage.Terminal() || wf.Status == models.StatusPaused || wf.Status == models.StatusFailed {
		return
	}
	if _, err := e.advanceLocked(ctx, wf, nextAttempt); err != nil {
		e.logger.Warn("orphan re-enqueue failed", "workflow", job.WorkflowID, "error", err)
		_ = e.store.SetWorkflowStatus(ctx, job.WorkflowID, models.StatusPending)
	}
}

// ReleaseStalled returns a workflow found running with no queued or
// executing job to pending so the poller picks it up again. A crash during
// a retry backoff window leaves this shape: the row says running, but the
// only thing holding the retry was an in-memory timer.
func (e *Engine) ReleaseStalled(ctx context.Context, workflowID string) {
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Error("stalled workflow lookup failed", "workflow", workflowID, "error", err)
		return
	}
	if wf.Status != models.StatusRunning {
		return
	}
	if _, ok := e.queue.ActiveJob(wf.ID); ok {
		return
	}
	if err := e.store.SetWorkflowStatus(ctx, wf.ID, models.StatusPending); err != nil {
		e.logger.Error("stalled workflow release failed", "workflow", wf.ID, "error", err)
		return
	}
	_ = e.store.AppendAudit(ctx, wf.ID, "stalled_released", "")
	e.logger.Warn("released stalled workflow", "workflow", wf.ID, "stage", wf.Stage)
}

// CancelActive requests cooperative cancellation of the workflow's active
// job. A queued job is withdrawn immediately; a running one stops at its
// next context check. Neither spends the attempt budget.
func (e *Engine) CancelActive(ctx context.Context, workflowID string) (bool, error) {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return false, err
	}
	jobID, ok := e.queue.ActiveJob(id)
	if !ok {
		return false, nil
	}
	wasQueued := e.queue.Cancel(jobID)
	_ = e.store.AppendAudit(ctx, id, "cancel_requested", "job="+jobID)
	if wasQueued {
		detail := "cancelled before dispatch"
		_ = e.store.FinishJob(ctx, jobID, models.JobCancelled, &detail)
		if err := e.store.SetWorkflowStatus(ctx, id, models.StatusPending); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Resume consumes a single-use resume token and restarts advancement.
func (e *Engine) Resume(ctx context.Context, workflowID, token string) (bool, error) {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return false, err
	}
	ok, err := e.store.ConsumeResumeToken(ctx, id, token)
	if err != nil || !ok {
		return false, err
	}
	_ = e.store.AppendAudit(ctx, id, "resumed", "")
	if _, err := e.AdvanceIfEligible(ctx, id); err != nil {
		e.logger.Warn("advance after resume failed", "workflow", id, "error", err)
	}
	return true, nil
}

// Pause parks a workflow and issues a resume token for it. It holds the
// workflow lock so a pause cannot interleave with an outcome being applied.
func (e *Engine) Pause(ctx context.Context, workflowID string) (string, error) {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return "", err
	}
	unlock := e.lockWorkflow(id)
	defer unlock()

	token := models.NewID()
	if err := e.store.PauseWorkflow(ctx, id, token); err != nil {
		return "", err
	}
	// Stop in-flight work too; the paused status keeps the cancellation's
	// retry callback from restarting it.
	if jobID, ok := e.queue.ActiveJob(id); ok {
		if e.queue.Cancel(jobID) {
			detail := "cancelled by pause"
			_ = e.store.FinishJob(ctx, jobID, models.JobCancelled, &detail)
		}
	}
	_ = e.store.AppendAudit(ctx, id, "paused", "")
	return token, nil
}

// Reset is the audited manual regression operation: the only way a
// workflow's stage moves backwards. Intended for operators after they
// addressed the root cause of an error.
func (e *Engine) Reset(ctx context.Context, workflowID string, target models.Stage) error {
	id, err := models.CanonicalID(workflowID)
	if err != nil {
		return err
	}
	if !target.Valid() || target.Terminal() {
		return faults.InvalidParameters("invalid reset target stage: " + string(target))
	}
	unlock := e.lockWorkflow(id)

	// Invalidate whatever is in flight before the stage moves: the epoch
	// bump makes any outcome from the old job stale, and the cancel stops
	// its work at the next safe point.
	e.bumpEpoch(id)
	if jobID, ok := e.queue.ActiveJob(id); ok {
		if e.queue.Cancel(jobID) {
			detail := "cancelled by reset"
			_ = e.store.FinishJob(ctx, jobID, models.JobCancelled, &detail)
		}
	}

	if err := e.store.ResetWorkflowStage(ctx, id, target); err != nil {
		unlock()
		return err
	}
	_ = e.store.AppendAudit(ctx, id, "manual_reset", "stage="+string(target))
	unlock()

	if _, err := e.AdvanceIfEligible(ctx, id); err != nil {
		e.logger.Warn("advance after reset failed", "workflow", id, "error", err)
	}
	return nil
}

// RunPoller periodically advances workflows waiting on external events or
// sitting in pending status. Manual triggers share its code path.
func (e *Engine) RunPoller(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		wfs, err := e.store.ListWorkflowsByStatus(ctx, models.StatusPending, models.StatusAwaitingEvent)
		if err != nil {
			e.logger.Warn("poll listing failed", "error", err)
			continue
		}
		for _, wf := range wfs {
			if _, err := e.AdvanceIfEligible(ctx, wf.ID); err != nil {
				e.logger.Warn("poll advance failed", "workflow", wf.ID, "error", err)
			}
		}
	}
}
