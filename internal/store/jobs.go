package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"certflow/internal/models"
)

// querier is satisfied by *pgxpool.Pool and *pgxpool.Conn so the same job
// queries serve both the shared store and a runner-owned session.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CreateJobParams collects inputs for a new job row.
type CreateJobParams struct {
	WorkflowID  string
	ParentJobID string
	StageTarget models.Stage
	Priority    int
	Attempt     int
	MaxAttempts int
}

// CreateJob inserts a job row in queued status and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	return createJob(ctx, s.pool, p)
}

func createJob(ctx context.Context, q querier, p CreateJobParams) (models.Job, error) {
	wfID, err := models.CanonicalID(p.WorkflowID)
	if err != nil {
		return models.Job{}, err
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:          models.NewID(),
		WorkflowID:  wfID,
		StageTarget: p.StageTarget,
		Priority:    p.Priority,
		Attempt:     p.Attempt,
		MaxAttempts: p.MaxAttempts,
		Status:      models.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var parent any
	if p.ParentJobID != "" {
		pid, err := models.CanonicalID(p.ParentJobID)
		if err != nil {
			return models.Job{}, err
		}
		job.ParentJobID = &pid
		parent = pid
	}
	_, err = q.Exec(ctx, `
		INSERT INTO jobs (id, workflow_id, parent_job_id, stage_target, priority, attempt, max_attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, job.ID, wfID, parent, job.StageTarget, job.Priority, job.Attempt, job.MaxAttempts, job.Status, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, workflow_id, parent_job_id, stage_target, priority, attempt, max_attempts, status, error_detail, archived, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var parent, errDetail pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.WorkflowID, &parent, &job.StageTarget, &job.Priority,
		&job.Attempt, &job.MaxAttempts, &job.Status, &errDetail, &job.Archived,
		&startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ParentJobID = textPtr(parent)
	job.ErrorDetail = textPtr(errDetail)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, canonical)
	return scanJob(row)
}

// ListUnfinishedJobs returns non-archived jobs still queued or running. At
// startup every such job is an orphan: the in-process queue died with the
// last process, so nothing can legitimately be waiting or executing yet.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status IN ($1, $2) AND NOT archived
	`, models.JobQueued, models.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func markJobRunning(ctx context.Context, q querier, id string) error {
	_, err := q.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.JobRunning)
	return err
}

func finishJob(ctx context.Context, q querier, id string, status models.JobStatus, errDetail *string) error {
	_, err := q.Exec(ctx, `
		UPDATE jobs SET status = $2, error_detail = $3, finished_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, status, errDetail)
	return err
}

// FinishJob writes a terminal job status through the shared pool. The
// runner prefers its session-scoped equivalent; this one serves the
// recovery coordinator and queue-cancel paths.
func (s *Store) FinishJob(ctx context.Context, id string, status models.JobStatus, errDetail *string) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	return finishJob(ctx, s.pool, canonical, status, errDetail)
}

// ArchiveJobsThrough archives every terminal job whose target stage the
// workflow has moved past. Rows are kept, never deleted.
func (s *Store) ArchiveJobsThrough(ctx context.Context, workflowID string, reached models.Stage) error {
	canonical, err := models.CanonicalID(workflowID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET archived = TRUE, updated_at = NOW()
		WHERE workflow_id = $1 AND stage_target = $2
		  AND status IN ($3, $4, $5)
	`, canonical, reached, models.JobCompleted, models.JobFailed, models.JobCancelled)
	return err
}
