// Package worker executes one job's stage work in the background, with
// strict resource isolation from whatever code path submitted the job.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"certflow/internal/config"
	"certflow/internal/models"
	"certflow/internal/store"
	"certflow/internal/telemetry"
)

// Session is the connection-scoped slice of the store a stage handler may
// write through. *store.Session implements it.
type Session interface {
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	FinishJob(ctx context.Context, jobID string, status models.JobStatus, errDetail *string) error
	CreateArtifact(ctx context.Context, workflowID string, kind models.ArtifactKind, detail string) (models.Artifact, error)
	SetArtifactGenerating(ctx context.Context, artifactID string) error
	CompleteArtifact(ctx context.Context, artifactID string, locators map[string]string) error
	FailArtifact(ctx context.Context, artifactID, detail string) error
	ListArtifactsByKind(ctx context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error)
	CreateChildJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	Release()
}

// Sessions hands out runner-owned sessions.
type Sessions interface {
	AcquireSession(ctx context.Context) (Session, error)
}

// ProgressWriter persists progress increments outside the job's session so
// reporting never contends with the handler's connection.
type ProgressWriter interface {
	UpdateWorkflowProgress(ctx context.Context, workflowID string, progress int) error
}

// PgSessions adapts *store.Store to the Sessions interface.
func PgSessions(st *store.Store) Sessions {
	return pgSessions{st: st}
}

type pgSessions struct{ st *store.Store }

func (p pgSessions) AcquireSession(ctx context.Context) (Session, error) {
	return p.st.AcquireSession(ctx)
}

// Env is what a stage handler gets to work with: a workflow snapshot, a
// session of its own, and a progress reporter it may call at coarse
// granularity with monotonically increasing values.
type Env struct {
	JobID    string
	Workflow models.Workflow
	Session  Session
	Progress func(pct int)
}

// StageFunc performs one stage's work. It must check ctx before every
// side-effecting external call.
type StageFunc func(ctx context.Context, env *Env) error

// Spec describes a job for the queue and the runner. Epoch is the
// workflow's reset generation at enqueue time; the state machine uses it
// to recognize outcomes from before a manual reset.
type Spec struct {
	JobID       string
	WorkflowID  string
	StageTarget models.Stage
	Priority    int
	Attempt     int
	MaxAttempts int
	Epoch       uint64
	Handler     StageFunc
}

// Outcome is what the runner reports back to the state machine.
type Outcome struct {
	JobID       string
	WorkflowID  string
	StageTarget models.Stage
	Attempt     int
	MaxAttempts int
	Epoch       uint64
	Cancelled   bool
	Err         error
}

// Sink receives job outcomes. The state machine implements it.
type Sink interface {
	OnJobOutcome(ctx context.Context, o Outcome)
}

// Runner executes job specs. It acquires its own store session per job so
// execution never depends on the submitter's resource lifecycle.
type Runner struct {
	cfg      config.Config
	sessions Sessions
	progress ProgressWriter
	sink     Sink
	logger   *slog.Logger
}

// NewRunner constructs a runner. The sink is set separately because the
// state machine and the runner reference each other at wiring time.
func NewRunner(cfg config.Config, sessions Sessions, progress ProgressWriter, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, sessions: sessions, progress: progress, logger: logger}
}

// SetSink installs the outcome receiver. Must be called before Execute.
func (r *Runner) SetSink(sink Sink) { r.sink = sink }

// Execute runs one job to a terminal status and reports the outcome. The
// session is released on every exit path.
func (r *Runner) Execute(ctx context.Context, spec Spec) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	outcome := Outcome{
		JobID:       spec.JobID,
		WorkflowID:  spec.WorkflowID,
		StageTarget: spec.StageTarget,
		Attempt:     spec.Attempt,
		MaxAttempts: spec.MaxAttempts,
		Epoch:       spec.Epoch,
	}

	sess, err := r.sessions.AcquireSession(ctx)
	if err != nil {
		r.logger.Error("acquire session", "job", spec.JobID, "error", err)
		outcome.Err = err
		r.report(outcome)
		return
	}
	defer sess.Release()

	// Outcome writes happen on a fresh context: the job context may
	// already be cancelled or past its deadline by then.
	finishCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 15*time.Second)
	}

	if err := sess.MarkJobRunning(ctx, spec.JobID); err != nil {
		r.logger.Error("mark job running", "job", spec.JobID, "error", err)
		outcome.Err = err
		r.report(outcome)
		return
	}

	wf, err := sess.GetWorkflow(ctx, spec.WorkflowID)
	if err != nil {
		outcome.Err = err
		fctx, cancel := finishCtx()
		r.finish(fctx, sess, spec.JobID, models.JobFailed, err)
		cancel()
		r.report(outcome)
		return
	}

	report, stopReporting := r.progressReporter(spec.WorkflowID)
	env := &Env{
		JobID:    spec.JobID,
		Workflow: wf,
		Session:  sess,
		Progress: report,
	}

	jobCtx, cancelJob := context.WithTimeout(ctx, r.cfg.StageTimeout)
	handlerErr := spec.Handler(jobCtx, env)
	deadlineHit := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancelJob()
	stopReporting()

	fctx, cancel := finishCtx()
	defer cancel()

	switch {
	case handlerErr == nil:
		r.finish(fctx, sess, spec.JobID, models.JobCompleted, nil)
		telemetry.JobsCompleted.Inc()
	case errors.Is(ctx.Err(), context.Canceled):
		// Cooperative cancellation: does not consume the attempt budget.
		outcome.Cancelled = true
		outcome.Err = handlerErr
		r.finish(fctx, sess, spec.JobID, models.JobCancelled, handlerErr)
	case deadlineHit:
		// A stage overrunning its deadline retries like a transient fault.
		outcome.Err = handlerErr
		r.finish(fctx, sess, spec.JobID, models.JobFailed, handlerErr)
		telemetry.JobsFailed.Inc()
	default:
		outcome.Err = handlerErr
		r.finish(fctx, sess, spec.JobID, models.JobFailed, handlerErr)
		telemetry.JobsFailed.Inc()
	}

	r.report(outcome)
}

// finish writes the terminal job status; if the write itself fails the
// error detail is preserved in the log rather than lost.
func (r *Runner) finish(ctx context.Context, sess Session, jobID string, status models.JobStatus, cause error) {
	var detail *string
	if cause != nil {
		msg := cause.Error()
		detail = &msg
	}
	if err := sess.FinishJob(ctx, jobID, status, detail); err != nil {
		r.logger.Error("write job status failed, preserving detail here",
			"job", jobID, "status", status, "cause", cause, "error", err)
	}
}

func (r *Runner) report(o Outcome) {
	if r.sink == nil {
		r.logger.Error("no outcome sink configured", "job", o.JobID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.sink.OnJobOutcome(ctx, o)
}

// progressReporter returns a fire-and-forget reporter. Values are clamped
// monotone, writes happen on a separate goroutine through the pool, and a
// full buffer drops updates rather than blocking the handler.
func (r *Runner) progressReporter(workflowID string) (report func(int), stop func()) {
	ch := make(chan int, 16)
	done := make(chan struct{})
	var mu sync.Mutex
	last := 0
	closed := false

	go func() {
		defer close(done)
		for pct := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.progress.UpdateWorkflowProgress(ctx, workflowID, pct); err != nil {
				r.logger.Debug("progress write dropped", "workflow", workflowID, "error", err)
			}
			cancel()
		}
	}()

	report = func(pct int) {
		mu.Lock()
		if closed || pct <= last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		select {
		case ch <- pct:
		default:
		}
	}
	stop = func() {
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
		<-done
	}
	return report, stop
}

// backoffWithJitter computes the delay before attempt n, exponential from
// base, capped at max, with half-interval jitter.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// RetryDelay exposes the backoff schedule to the state machine.
func RetryDelay(cfg config.Config, attempt int) time.Duration {
	return backoffWithJitter(cfg.BackoffInitial, cfg.BackoffMax, attempt)
}
