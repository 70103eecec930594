// Package api exposes the orchestrator's HTTP surface: workflow creation
// and inspection, manual advancement, pause/resume, reset, and artifacts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certflow/internal/config"
	"certflow/internal/faults"
	"certflow/internal/models"
	"certflow/internal/ratelimit"
	"certflow/internal/store"
	"certflow/internal/telemetry"
)

// Reader is the read-only store slice the API serves from. *store.Store
// implements it.
type Reader interface {
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListArtifacts(ctx context.Context, workflowID string) ([]models.Artifact, error)
}

// Orchestrator is the state-machine surface the API drives. *engine.Engine
// implements it.
type Orchestrator interface {
	CreateWorkflow(ctx context.Context, params models.Parameters) (models.Workflow, error)
	AdvanceIfEligible(ctx context.Context, workflowID string) (bool, error)
	ManualTrigger(ctx context.Context, workflowID string) (bool, error)
	CancelActive(ctx context.Context, workflowID string) (bool, error)
	Pause(ctx context.Context, workflowID string) (string, error)
	Resume(ctx context.Context, workflowID, token string) (bool, error)
	Reset(ctx context.Context, workflowID string, target models.Stage) error
}

// Limiter admits or rejects workflow creation. *ratelimit.Limiter
// implements it.
type Limiter interface {
	Reserve(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers over the state machine and the record store.
type Server struct {
	cfg     config.Config
	store   Reader
	engine  Orchestrator
	limiter Limiter
}

// New constructs the API server.
func New(cfg config.Config, st Reader, eng Orchestrator, limiter Limiter) *Server {
	return &Server{cfg: cfg, store: st, engine: eng, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/workflows", s.handleCreate)
	r.Get("/workflows/{id}", s.handleGet)
	r.Get("/workflows/{id}/artifacts", s.handleArtifacts)
	r.Post("/workflows/{id}/advance", s.handleAdvance)
	r.Post("/workflows/{id}/cancel", s.handleCancel)
	r.Post("/workflows/{id}/pause", s.handlePause)
	r.Post("/workflows/{id}/resume", s.handleResume)
	r.Post("/workflows/{id}/reset", s.handleReset)
	return r
}

type createRequest struct {
	CandidateRef      string `json:"candidate_ref"`
	CertProfileRef    string `json:"cert_profile_ref"`
	QuestionCount     int    `json:"question_count"`
	RequireFullFanout bool   `json:"require_full_fanout"`
	Title             string `json:"title"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		caller := callerFromRequest(r)
		decision, err := s.limiter.Reserve(r.Context(), caller)
		// A limiter outage fails open: admission control protects quality
		// of service, it never gates correctness.
		if err == nil && !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	wf, err := s.engine.CreateWorkflow(r.Context(), models.Parameters{
		CandidateRef:      req.CandidateRef,
		CertProfileRef:    req.CertProfileRef,
		QuestionCount:     req.QuestionCount,
		RequireFullFanout: req.RequireFullFanout,
		Title:             req.Title,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// Kick off the first stage. Failure here is not the caller's problem:
	// creation succeeded and the poller retries advancement.
	_, _ = s.engine.AdvanceIfEligible(r.Context(), wf.ID)
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := models.CanonicalID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	arts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// handleAdvance is the manual poke: it forces an immediate eligibility
// check instead of waiting for the next poll tick. Calling it when nothing
// can move is a safe no-op.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.engine.ManualTrigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.engine.CancelActive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	token, err := s.engine.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resume_token": token})
}

type resumeRequest struct {
	ResumeToken string `json:"resume_token"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ResumeToken == "" {
		http.Error(w, "resume_token is required", http.StatusBadRequest)
		return
	}
	ok, err := s.engine.Resume(r.Context(), chi.URLParam(r, "id"), req.ResumeToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "resume token not valid for this workflow", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type resetRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.engine.Reset(r.Context(), chi.URLParam(r, "id"), models.Stage(req.Stage)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "stage": req.Stage})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

// writeError maps the faults taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ip *faults.InvalidParametersError
	switch {
	case errors.As(err, &ip):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "workflow not found", http.StatusNotFound)
	case errors.Is(err, store.ErrStageRegression):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
