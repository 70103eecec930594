package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"certflow/internal/models"
)

// ErrLocatorsWithoutCompletion guards the artifact invariant: result
// locators may only be written together with completed status.
var ErrLocatorsWithoutCompletion = errors.New("result locators require completed status")

func createArtifact(ctx context.Context, q querier, workflowID string, kind models.ArtifactKind, detail string) (models.Artifact, error) {
	wfID, err := models.CanonicalID(workflowID)
	if err != nil {
		return models.Artifact{}, err
	}
	now := time.Now().UTC()
	a := models.Artifact{
		ID:               models.NewID(),
		WorkflowID:       wfID,
		Kind:             kind,
		GenerationStatus: models.GenerationPending,
		Detail:           detail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = q.Exec(ctx, `
		INSERT INTO artifacts (id, workflow_id, kind, generation_status, progress, detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, a.ID, wfID, a.Kind, a.GenerationStatus, detail, now)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

func setArtifactGenerating(ctx context.Context, q querier, id string) error {
	_, err := q.Exec(ctx, `
		UPDATE artifacts SET generation_status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.GenerationGenerating)
	return err
}

func completeArtifact(ctx context.Context, q querier, id string, locators map[string]string) error {
	if len(locators) == 0 {
		return ErrLocatorsWithoutCompletion
	}
	locJSON, err := json.Marshal(locators)
	if err != nil {
		return fmt.Errorf("marshal locators: %w", err)
	}
	_, err = q.Exec(ctx, `
		UPDATE artifacts
		SET generation_status = $2, progress = 100, result_locators = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.GenerationCompleted, locJSON)
	return err
}

func failArtifact(ctx context.Context, q querier, id, detail string) error {
	_, err := q.Exec(ctx, `
		UPDATE artifacts
		SET generation_status = $2, result_locators = NULL, detail = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.GenerationFailed, detail)
	return err
}

const artifactColumns = `id, workflow_id, kind, generation_status, progress, result_locators, detail, created_at, updated_at`

func scanArtifact(row pgx.Row) (models.Artifact, error) {
	var a models.Artifact
	var locJSON []byte
	var detail pgtype.Text
	err := row.Scan(&a.ID, &a.WorkflowID, &a.Kind, &a.GenerationStatus, &a.Progress,
		&locJSON, &detail, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Artifact{}, ErrNotFound
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	if len(locJSON) > 0 {
		if err := json.Unmarshal(locJSON, &a.ResultLocators); err != nil {
			return models.Artifact{}, fmt.Errorf("unmarshal locators: %w", err)
		}
	}
	if detail.Valid {
		a.Detail = detail.String
	}
	return a, nil
}

// ListArtifacts returns all artifacts for a workflow, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, workflowID string) ([]models.Artifact, error) {
	canonical, err := models.CanonicalID(workflowID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+artifactColumns+` FROM artifacts WHERE workflow_id = $1 ORDER BY created_at
	`, canonical)
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

// ListArtifactsByKind filters a workflow's artifacts to one kind.
func (s *Store) ListArtifactsByKind(ctx context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error) {
	all, err := s.ListArtifacts(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var out []models.Artifact
	for _, a := range all {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}
