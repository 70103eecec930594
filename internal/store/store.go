// Package store is the durable job record store: workflows, jobs,
// artifacts, and audit rows in Postgres. Identifiers are canonicalized at
// this boundary, so callers may pass any accepted uuid spelling.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"certflow/internal/models"
)

// ErrNotFound is returned when a workflow, job, or artifact id resolves to
// no row.
var ErrNotFound = errors.New("record not found")

// ErrStageRegression is returned when an advance would move a workflow's
// stage backwards without going through the audited reset path.
var ErrStageRegression = errors.New("stage may not move backwards")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateWorkflow inserts a new workflow in stage created / status pending.
func (s *Store) CreateWorkflow(ctx context.Context, params models.Parameters) (models.Workflow, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("marshal parameters: %w", err)
	}
	now := time.Now().UTC()
	wf := models.Workflow{
		ID:         models.NewID(),
		Stage:      models.StageCreated,
		Status:     models.StatusPending,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, stage, status, progress, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5)
	`, wf.ID, wf.Stage, wf.Status, paramsJSON, now)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

const workflowColumns = `id, stage, status, progress, parameters, resume_token, error_message, last_error_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (models.Workflow, error) {
	var wf models.Workflow
	var paramsJSON []byte
	var resumeToken, errMsg pgtype.Text
	var lastErrAt pgtype.Timestamptz
	err := row.Scan(&wf.ID, &wf.Stage, &wf.Status, &wf.Progress, &paramsJSON,
		&resumeToken, &errMsg, &lastErrAt, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &wf.Parameters); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	wf.ResumeToken = textPtr(resumeToken)
	wf.ErrorMessage = textPtr(errMsg)
	if lastErrAt.Valid {
		t := lastErrAt.Time
		wf.LastErrorAt = &t
	}
	return wf, nil
}

// GetWorkflow fetches a workflow by id in any accepted id spelling.
func (s *Store) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return models.Workflow{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, canonical)
	return scanWorkflow(row)
}

// ListWorkflowsByStatus returns workflows the poller may want to advance.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Workflow, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE status = ANY($1)`, vals)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// SetWorkflowStatus updates only the status field.
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status models.Status) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, updated_at = NOW() WHERE id = $1
	`, canonical, status)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// stagePipeline is the pipeline order in SQL-friendly form; the advance
// guard compares positions in it.
var stagePipeline = func() []string {
	stages := models.PipelineStages()
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = string(st)
	}
	return out
}()

// AdvanceWorkflowStage is the success transition: the stage moves forward,
// progress resets, error context clears, and status returns to pending so
// the next eligibility check can run. The WHERE clause is the forward-only
// guard: the current stage must sit strictly earlier in the pipeline than
// the target, so a stale or regressive advance affects no rows. A paused
// workflow keeps its paused status (the finished work is recorded, nothing
// new starts) unless the advance completes the pipeline.
func (s *Store) AdvanceWorkflowStage(ctx context.Context, id string, target models.Stage) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	status := models.StatusPending
	if target == models.StageCompleted {
		status = models.StatusCompletedState
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET stage = $2,
		    status = CASE WHEN status = 'paused' AND $3 <> 'completed' THEN status ELSE $3 END,
		    progress = 0, error_message = NULL, last_error_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND array_position($4::text[], stage) < array_position($4::text[], $2::text)
	`, canonical, target, status, stagePipeline)
	if err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStageRegression
	}
	return nil
}

// FailWorkflow parks a workflow in failed status, records the message,
// and issues a fresh single-use resume token. The stage is left at the
// failing stage so callers can see where it stopped; the workflow is
// paused, not destroyed.
func (s *Store) FailWorkflow(ctx context.Context, id, message, resumeToken string) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET status = $2, error_message = $3, last_error_at = NOW(),
		    resume_token = $4, updated_at = NOW()
		WHERE id = $1
	`, canonical, models.StatusFailed, message, resumeToken)
	if err != nil {
		return fmt.Errorf("fail workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PauseWorkflow parks a workflow and issues a resume token.
func (s *Store) PauseWorkflow(ctx context.Context, id, resumeToken string) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, resume_token = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, canonical, models.StatusPaused, resumeToken, models.StatusCompletedState, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("pause workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeResumeToken atomically clears a matching resume token. The
// conditional update is what makes each issued token single-use: two
// concurrent resumes race on the same row and only one affects it.
func (s *Store) ConsumeResumeToken(ctx context.Context, id, token string) (bool, error) {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return false, err
	}
	canonicalToken, err := models.CanonicalID(token)
	if err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET resume_token = NULL, status = $3, updated_at = NOW()
		WHERE id = $1 AND resume_token = $2
	`, canonical, canonicalToken, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("consume resume token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetWorkflowStage is the audited manual regression path: the only way a
// stage may move backwards. The caller must append an audit entry.
func (s *Store) ResetWorkflowStage(ctx context.Context, id string, target models.Stage) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET stage = $2, status = $3, progress = 0, error_message = NULL, last_error_at = NULL,
		    resume_token = NULL, updated_at = NOW()
		WHERE id = $1
	`, canonical, target, models.StatusPending)
	if err != nil {
		return fmt.Errorf("reset workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkflowProgress persists a progress increment through the shared
// pool. The monotone guard drops regressive writes; the runner's progress
// persister calls this fire-and-forget.
func (s *Store) UpdateWorkflowProgress(ctx context.Context, id string, progress int) error {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE workflows SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND progress < $2
	`, canonical, progress)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, workflowID, event, detail string) error {
	canonical, err := models.CanonicalID(workflowID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (workflow_id, event, detail) VALUES ($1, $2, $3)
	`, canonical, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
