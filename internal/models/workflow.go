package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"certflow/internal/faults"
)

// Stage is one discrete, ordered step of the remediation pipeline.
type Stage string

const (
	StageCreated                Stage = "created"
	StageFormDeployed           Stage = "form_deployed"
	StageResponsesCollected     Stage = "responses_collected"
	StageGapAnalyzed            Stage = "gap_analyzed"
	StageContentOutlined        Stage = "content_outlined"
	StagePresentationsGenerated Stage = "presentations_generated"
	StageNarrationGenerated     Stage = "narration_generated"
	StageCompleted              Stage = "completed"
	StageError                  Stage = "error"
)

// stageOrder fixes the pipeline sequence. StageError sits outside it.
var stageOrder = []Stage{
	StageCreated,
	StageFormDeployed,
	StageResponsesCollected,
	StageGapAnalyzed,
	StageContentOutlined,
	StagePresentationsGenerated,
	StageNarrationGenerated,
	StageCompleted,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// Ordinal returns the stage's position in the pipeline, or -1 for
// StageError and unknown values.
func (s Stage) Ordinal() int {
	i, ok := stageIndex[s]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether s is a known stage, including StageError.
func (s Stage) Valid() bool {
	return s == StageError || s.Ordinal() >= 0
}

// Before reports whether s precedes other in the pipeline. StageError is
// ordered after every pipeline stage so that the forward-only guard treats
// the error transition as an advance.
func (s Stage) Before(other Stage) bool {
	if s == StageError {
		return false
	}
	if other == StageError {
		return true
	}
	return s.Ordinal() < other.Ordinal()
}

// Terminal reports whether no further advance is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// PipelineStages returns the ordered pipeline, excluding StageError.
func PipelineStages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// Status is orthogonal to Stage and describes what the workflow is doing
// right now within its current stage.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingEvent  Status = "awaiting_external_event"
	StatusPaused         Status = "paused"
	StatusCompletedState Status = "completed"
	StatusFailed         Status = "failed"
)

// Parameters is the immutable configuration blob supplied at creation.
type Parameters struct {
	CandidateRef      string `json:"candidate_ref"`
	CertProfileRef    string `json:"cert_profile_ref"`
	QuestionCount     int    `json:"question_count"`
	RequireFullFanout bool   `json:"require_full_fanout"`
	Title             string `json:"title,omitempty"`
}

// Validate enforces required creation fields before anything is persisted.
func (p *Parameters) Validate() error {
	if strings.TrimSpace(p.CandidateRef) == "" {
		return faults.InvalidParameters("candidate_ref is required")
	}
	if strings.TrimSpace(p.CertProfileRef) == "" {
		return faults.InvalidParameters("cert_profile_ref is required")
	}
	if p.QuestionCount < 0 {
		return faults.InvalidParameters("question_count must not be negative")
	}
	if p.QuestionCount == 0 {
		p.QuestionCount = 5
	}
	return nil
}

// Workflow is one learner-certification assessment attempt. The resume
// token is a single-use credential handed out by pause and failure paths
// only; it never rides along on reads.
type Workflow struct {
	ID           string     `json:"id"`
	Stage        Stage      `json:"stage"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	Parameters   Parameters `json:"parameters"`
	ResumeToken  *string    `json:"-"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CanonicalID normalizes an externally supplied identifier to the single
// hyphenated form used everywhere in storage. Hyphenated, bare-hex, and
// urn:uuid forms are accepted; everything is stored and compared in the
// canonical form so read sites never see two spellings of one id.
func CanonicalID(raw string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", faults.InvalidParameters("malformed identifier: " + raw)
	}
	return u.String(), nil
}

// NewID mints a canonical workflow or job identifier.
func NewID() string {
	return uuid.New().String()
}
