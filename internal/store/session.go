package store

import (
	"context"
	"fmt"

	"certflow/internal/models"
)

// Session is a runner-owned connection scope. The background runner
// acquires one per job execution so its writes never depend on resources
// belonging to the request that enqueued the job, and releases it on every
// exit path.
type Session struct {
	conn interface {
		querier
		Release()
	}
}

// AcquireSession checks a dedicated connection out of the pool.
func (s *Store) AcquireSession(ctx context.Context) (*Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Release returns the connection to the pool. Safe to call once per
// session on any exit path.
func (sess *Session) Release() {
	if sess.conn != nil {
		sess.conn.Release()
		sess.conn = nil
	}
}

// GetWorkflow loads a workflow snapshot over the session connection.
func (sess *Session) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return models.Workflow{}, err
	}
	row := sess.conn.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, canonical)
	return scanWorkflow(row)
}

// MarkJobRunning transitions the job to running and stamps started_at.
func (sess *Session) MarkJobRunning(ctx context.Context, jobID string) error {
	canonical, err := models.CanonicalID(jobID)
	if err != nil {
		return err
	}
	return markJobRunning(ctx, sess.conn, canonical)
}

// FinishJob writes the job's terminal status.
func (sess *Session) FinishJob(ctx context.Context, jobID string, status models.JobStatus, errDetail *string) error {
	canonical, err := models.CanonicalID(jobID)
	if err != nil {
		return err
	}
	return finishJob(ctx, sess.conn, canonical, status, errDetail)
}

// UpdateWorkflowProgress persists a progress increment. Progress is
// monotone within a stage; the guard in the WHERE clause drops stale or
// regressive writes instead of erroring.
func (sess *Session) UpdateWorkflowProgress(ctx context.Context, workflowID string, progress int) error {
	canonical, err := models.CanonicalID(workflowID)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err = sess.conn.Exec(ctx, `
		UPDATE workflows SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND progress < $2
	`, canonical, progress)
	return err
}

// CreateArtifact inserts a pending artifact row.
func (sess *Session) CreateArtifact(ctx context.Context, workflowID string, kind models.ArtifactKind, detail string) (models.Artifact, error) {
	return createArtifact(ctx, sess.conn, workflowID, kind, detail)
}

// SetArtifactGenerating moves an artifact to generating status.
func (sess *Session) SetArtifactGenerating(ctx context.Context, artifactID string) error {
	canonical, err := models.CanonicalID(artifactID)
	if err != nil {
		return err
	}
	return setArtifactGenerating(ctx, sess.conn, canonical)
}

// CompleteArtifact records completion with its result locators; locators
// are only ever written together with completed status.
func (sess *Session) CompleteArtifact(ctx context.Context, artifactID string, locators map[string]string) error {
	canonical, err := models.CanonicalID(artifactID)
	if err != nil {
		return err
	}
	return completeArtifact(ctx, sess.conn, canonical, locators)
}

// FailArtifact records failure and clears any locators.
func (sess *Session) FailArtifact(ctx context.Context, artifactID, detail string) error {
	canonical, err := models.CanonicalID(artifactID)
	if err != nil {
		return err
	}
	return failArtifact(ctx, sess.conn, canonical, detail)
}

// ListArtifactsByKind mirrors the pool method over the session connection.
func (sess *Session) ListArtifactsByKind(ctx context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error) {
	canonical, err := models.CanonicalID(workflowID)
	if err != nil {
		return nil, err
	}
	rows, err := sess.conn.Query(ctx, `
		SELECT `+artifactColumns+` FROM artifacts WHERE workflow_id = $1 AND kind = $2 ORDER BY created_at
	`, canonical, kind)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateChildJob records a fan-out child under its parent job.
func (sess *Session) CreateChildJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	return createJob(ctx, sess.conn, p)
}
