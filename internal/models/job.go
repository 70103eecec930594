package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one execution attempt of one stage's work for one workflow.
// Fan-out children carry ParentJobID and never occupy a queue slot of
// their own; they run under the parent's execution scope.
type Job struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	ParentJobID *string    `json:"parent_job_id,omitempty"`
	StageTarget Stage      `json:"stage_target"`
	Priority    int        `json:"priority"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Status      JobStatus  `json:"status"`
	ErrorDetail *string    `json:"error_detail,omitempty"`
	Archived    bool       `json:"archived"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ArtifactKind identifies which pipeline output an artifact row holds.
type ArtifactKind string

const (
	ArtifactForm         ArtifactKind = "form"
	ArtifactResponseSet  ArtifactKind = "response_set"
	ArtifactGapReport    ArtifactKind = "gap_report"
	ArtifactOutline      ArtifactKind = "outline"
	ArtifactPresentation ArtifactKind = "presentation"
	ArtifactNarration    ArtifactKind = "narration"
	ArtifactManifest     ArtifactKind = "manifest"
)

// GenerationStatus tracks an artifact's production lifecycle.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationGenerating GenerationStatus = "generating"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Artifact is a generated output tied to a workflow. ResultLocators stays
// empty unless GenerationStatus is completed; the store enforces that.
type Artifact struct {
	ID               string            `json:"id"`
	WorkflowID       string            `json:"workflow_id"`
	Kind             ArtifactKind      `json:"kind"`
	GenerationStatus GenerationStatus  `json:"generation_status"`
	Progress         int               `json:"progress"`
	ResultLocators   map[string]string `json:"result_locators,omitempty"`
	Detail           string            `json:"detail,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// AuditEntry is a simple append-only audit row.
type AuditEntry struct {
	WorkflowID string    `json:"workflow_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}
