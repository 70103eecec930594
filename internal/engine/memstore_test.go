package engine

import (
	"context"
	"sync"
	"time"

	"certflow/internal/models"
	"certflow/internal/store"
	"certflow/internal/worker"
)

// memStore is an in-memory double for the Postgres store. It mirrors the
// real store's transition guards so the state machine and runner can be
// exercised end to end without a database.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	jobs      map[string]*models.Job
	jobOrder  []string
	artifacts map[string]*models.Artifact
	artOrder  []string
	audits    []models.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*models.Workflow),
		jobs:      make(map[string]*models.Job),
		artifacts: make(map[string]*models.Artifact),
	}
}

func (m *memStore) CreateWorkflow(_ context.Context, params models.Parameters) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	wf := models.Workflow{
		ID:         models.NewID(),
		Stage:      models.StageCreated,
		Status:     models.StatusPending,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.workflows[wf.ID] = &wf
	cp := wf
	return cp, nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	canonical, err := models.CanonicalID(id)
	if err != nil {
		return models.Workflow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[canonical]
	if !ok {
		return models.Workflow{}, store.ErrNotFound
	}
	cp := *wf
	return cp, nil
}

func (m *memStore) ListWorkflowsByStatus(_ context.Context, statuses ...models.Status) ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for _, wf := range m.workflows {
		for _, st := range statuses {
			if wf.Status == st {
				out = append(out, *wf)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) SetWorkflowStatus(_ context.Context, id string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	wf.Status = status
	return nil
}

func (m *memStore) AdvanceWorkflowStage(_ context.Context, id string, target models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	if wf.Stage == models.StageError || !wf.Stage.Before(target) {
		return store.ErrStageRegression
	}
	wf.Stage = target
	wf.Progress = 0
	wf.ErrorMessage = nil
	wf.LastErrorAt = nil
	// Same status rule as the SQL: a paused workflow stays paused unless
	// the advance completes the pipeline.
	switch {
	case target == models.StageCompleted:
		wf.Status = models.StatusCompletedState
	case wf.Status == models.StatusPaused:
	default:
		wf.Status = models.StatusPending
	}
	return nil
}

func (m *memStore) FailWorkflow(_ context.Context, id, message, resumeToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	wf.Status = models.StatusFailed
	wf.ErrorMessage = &message
	wf.LastErrorAt = &now
	wf.ResumeToken = &resumeToken
	return nil
}

func (m *memStore) PauseWorkflow(_ context.Context, id, resumeToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.Status == models.StatusCompletedState || wf.Status == models.StatusFailed {
		return store.ErrNotFound
	}
	wf.Status = models.StatusPaused
	wf.ResumeToken = &resumeToken
	return nil
}

func (m *memStore) ConsumeResumeToken(_ context.Context, id, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.ResumeToken == nil || *wf.ResumeToken != token {
		return false, nil
	}
	wf.ResumeToken = nil
	wf.Status = models.StatusPending
	return true, nil
}

func (m *memStore) ResetWorkflowStage(_ context.Context, id string, target models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	wf.Stage = target
	wf.Status = models.StatusPending
	wf.Progress = 0
	wf.ErrorMessage = nil
	wf.LastErrorAt = nil
	wf.ResumeToken = nil
	return nil
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	return m.insertJob(p)
}

func (m *memStore) insertJob(p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job := models.Job{
		ID:          models.NewID(),
		WorkflowID:  p.WorkflowID,
		StageTarget: p.StageTarget,
		Priority:    p.Priority,
		Attempt:     p.Attempt,
		MaxAttempts: p.MaxAttempts,
		Status:      models.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ParentJobID != "" {
		pid := p.ParentJobID
		job.ParentJobID = &pid
	}
	cp := job
	m.jobs[job.ID] = &cp
	m.jobOrder = append(m.jobOrder, job.ID)
	return job, nil
}

func (m *memStore) FinishJob(_ context.Context, id string, status models.JobStatus, errDetail *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.ErrorDetail = errDetail
	job.FinishedAt = &now
	return nil
}

func (m *memStore) ArchiveJobsThrough(_ context.Context, workflowID string, reached models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.WorkflowID == workflowID && job.StageTarget == reached && job.Status.Terminal() {
			job.Archived = true
		}
	}
	return nil
}

func (m *memStore) ListUnfinishedJobs(context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if (job.Status == models.JobQueued || job.Status == models.JobRunning) && !job.Archived {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memStore) ListArtifactsByKind(_ context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Artifact
	for _, id := range m.artOrder {
		if a := m.artifacts[id]; a.WorkflowID == workflowID && a.Kind == kind {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(_ context.Context, workflowID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditEntry{
		WorkflowID: workflowID,
		Event:      event,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memStore) auditEvents(workflowID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.audits {
		if a.WorkflowID == workflowID {
			out = append(out, a.Event)
		}
	}
	return out
}

func (m *memStore) jobsFor(workflowID string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.WorkflowID == workflowID {
			out = append(out, *job)
		}
	}
	return out
}

// UpdateWorkflowProgress satisfies the runner's progress writer with the
// same monotone guard the SQL version has.
func (m *memStore) UpdateWorkflowProgress(_ context.Context, workflowID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return store.ErrNotFound
	}
	if progress > 100 {
		progress = 100
	}
	if progress > wf.Progress {
		wf.Progress = progress
	}
	return nil
}

// AcquireSession satisfies worker.Sessions.
func (m *memStore) AcquireSession(context.Context) (worker.Session, error) {
	return &memSession{st: m}, nil
}

type memSession struct{ st *memStore }

func (s *memSession) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	return s.st.GetWorkflow(ctx, id)
}

func (s *memSession) MarkJobRunning(_ context.Context, jobID string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	job, ok := s.st.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &now
	return nil
}

func (s *memSession) FinishJob(ctx context.Context, jobID string, status models.JobStatus, errDetail *string) error {
	return s.st.FinishJob(ctx, jobID, status, errDetail)
}

func (s *memSession) CreateArtifact(_ context.Context, workflowID string, kind models.ArtifactKind, detail string) (models.Artifact, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	now := time.Now().UTC()
	a := models.Artifact{
		ID:               models.NewID(),
		WorkflowID:       workflowID,
		Kind:             kind,
		GenerationStatus: models.GenerationPending,
		Detail:           detail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	cp := a
	s.st.artifacts[a.ID] = &cp
	s.st.artOrder = append(s.st.artOrder, a.ID)
	return a, nil
}

func (s *memSession) SetArtifactGenerating(_ context.Context, artifactID string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.artifacts[artifactID]
	if !ok {
		return store.ErrNotFound
	}
	a.GenerationStatus = models.GenerationGenerating
	return nil
}

func (s *memSession) CompleteArtifact(_ context.Context, artifactID string, locators map[string]string) error {
	if len(locators) == 0 {
		return store.ErrLocatorsWithoutCompletion
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.artifacts[artifactID]
	if !ok {
		return store.ErrNotFound
	}
	a.GenerationStatus = models.GenerationCompleted
	a.Progress = 100
	a.ResultLocators = locators
	return nil
}

func (s *memSession) FailArtifact(_ context.Context, artifactID, detail string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a, ok := s.st.artifacts[artifactID]
	if !ok {
		return store.ErrNotFound
	}
	a.GenerationStatus = models.GenerationFailed
	a.ResultLocators = nil
	a.Detail = detail
	return nil
}

func (s *memSession) ListArtifactsByKind(ctx context.Context, workflowID string, kind models.ArtifactKind) ([]models.Artifact, error) {
	return s.st.ListArtifactsByKind(ctx, workflowID, kind)
}

func (s *memSession) CreateChildJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	return s.st.insertJob(p)
}

func (s *memSession) Release() {}
