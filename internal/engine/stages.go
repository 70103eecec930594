package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"certflow/internal/external"
	"certflow/internal/faults"
	"certflow/internal/models"
	"certflow/internal/store"
	"certflow/internal/worker"
)

// plan is what a transition hands back when the workflow is ready to move:
// the stage the job will advance to on success and the handler doing the
// work. Priority tracks the target's ordinal so deep workflows drain ahead
// of fresh ones.
type plan struct {
	target   models.Stage
	priority int
	handler  worker.StageFunc
}

type decision struct {
	eligible bool
	await    bool
	terminal bool
	plan     plan
}

type transitionFunc func(ctx context.Context, e *Engine, wf models.Workflow) (decision, error)

func ready(target models.Stage, handler worker.StageFunc) decision {
	return decision{eligible: true, plan: plan{target: target, priority: target.Ordinal(), handler: handler}}
}

// transitions maps the workflow's current stage to the check that decides
// whether its next job may run. Most stages are unconditionally eligible;
// form_deployed is the one that blocks on an external event.
var transitions = map[models.Stage]transitionFunc{
	models.StageCreated: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StageFormDeployed, e.deployForm), nil
	},
	models.StageFormDeployed: func(ctx context.Context, e *Engine, wf models.Workflow) (decision, error) {
		submitted, err := e.responsesSubmitted(ctx, wf)
		if err != nil {
			return decision{}, err
		}
		if !submitted {
			return decision{await: true}, nil
		}
		return ready(models.StageResponsesCollected, e.collectResponses), nil
	},
	models.StageResponsesCollected: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StageGapAnalyzed, e.analyzeGaps), nil
	},
	models.StageGapAnalyzed: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StageContentOutlined, e.buildOutline), nil
	},
	models.StageContentOutlined: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StagePresentationsGenerated, e.renderPresentations), nil
	},
	models.StagePresentationsGenerated: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StageNarrationGenerated, e.renderNarrations), nil
	},
	models.StageNarrationGenerated: func(_ context.Context, e *Engine, _ models.Workflow) (decision, error) {
		return ready(models.StageCompleted, e.finalize), nil
	},
}

// responsesSubmitted asks the form provider whether the learner finished.
// "Not yet" is an expected answer, not a fault.
func (e *Engine) responsesSubmitted(ctx context.Context, wf models.Workflow) (bool, error) {
	formID, err := e.deployedFormID(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	var submitted bool
	err = e.policy.Do(ctx, "forms", func(ctx context.Context) error {
		_, ok, err := e.ext.Forms.PollResponses(ctx, formID)
		submitted = ok
		return err
	})
	return submitted, err
}

// deployedFormID reads the form identifier off the completed form artifact.
func (e *Engine) deployedFormID(ctx context.Context, workflowID string) (string, error) {
	arts, err := e.store.ListArtifactsByKind(ctx, workflowID, models.ArtifactForm)
	if err != nil {
		return "", err
	}
	for i := len(arts) - 1; i >= 0; i-- {
		if arts[i].GenerationStatus == models.GenerationCompleted {
			if id, ok := arts[i].ResultLocators["form_id"]; ok {
				return id, nil
			}
		}
	}
	return "", faults.Permanentf("workflow %s has no completed form artifact", workflowID)
}

// completedDetail returns the Detail payload of the most recent completed
// artifact of the given kind, for handlers consuming the previous stage's
// output.
func completedDetail(ctx context.Context, env *worker.Env, kind models.ArtifactKind) (string, error) {
	arts, err := env.Session.ListArtifactsByKind(ctx, env.Workflow.ID, kind)
	if err != nil {
		return "", err
	}
	for i := len(arts) - 1; i >= 0; i-- {
		if arts[i].GenerationStatus == models.GenerationCompleted {
			return arts[i].Detail, nil
		}
	}
	return "", faults.Permanentf("workflow %s is missing a completed %s artifact", env.Workflow.ID, kind)
}

// produceArtifact persists one stage output: create the row with the
// payload inline (so the next stage reads it without a blob round trip),
// upload the payload as the durable copy, complete the row with the
// locator. An upload failure fails the row and retries like any transient
// fault.
func (e *Engine) produceArtifact(ctx context.Context, env *worker.Env, kind models.ArtifactKind, key string,
	payload []byte, extraLocators map[string]string) (models.Artifact, error) {

	art, err := env.Session.CreateArtifact(ctx, env.Workflow.ID, kind, string(payload))
	if err != nil {
		return models.Artifact{}, err
	}
	if err := env.Session.SetArtifactGenerating(ctx, art.ID); err != nil {
		return models.Artifact{}, err
	}

	loc, err := e.blob.Upload(ctx, key, payload, "application/json")
	if err != nil {
		wrapped := faults.Transient(fmt.Errorf("upload %s: %w", key, err))
		_ = env.Session.FailArtifact(ctx, art.ID, wrapped.Error())
		return models.Artifact{}, wrapped
	}
	locators := map[string]string{"data": loc}
	for k, v := range extraLocators {
		locators[k] = v
	}
	if err := env.Session.CompleteArtifact(ctx, art.ID, locators); err != nil {
		return models.Artifact{}, err
	}
	art.ResultLocators = locators
	art.GenerationStatus = models.GenerationCompleted
	return art, nil
}

// deployForm publishes the assessment form for the workflow's candidate.
func (e *Engine) deployForm(ctx context.Context, env *worker.Env) error {
	params := env.Workflow.Parameters
	spec := external.FormSpec{
		Title:          params.Title,
		CertProfileRef: params.CertProfileRef,
		QuestionCount:  params.QuestionCount,
	}
	if spec.Title == "" {
		spec.Title = "Certification readiness check: " + params.CertProfileRef
	}

	art, err := env.Session.CreateArtifact(ctx, env.Workflow.ID, models.ArtifactForm, spec.Title)
	if err != nil {
		return err
	}
	if err := env.Session.SetArtifactGenerating(ctx, art.ID); err != nil {
		return err
	}
	env.Progress(10)

	var dep external.FormDeployment
	err = e.policy.Do(ctx, "forms", func(ctx context.Context) error {
		var err error
		dep, err = e.ext.Forms.Deploy(ctx, spec)
		return err
	})
	if err != nil {
		_ = env.Session.FailArtifact(ctx, art.ID, err.Error())
		return err
	}
	env.Progress(80)

	if err := env.Session.CompleteArtifact(ctx, art.ID, map[string]string{
		"form_id":    dep.FormID,
		"public_url": dep.PublicURL,
	}); err != nil {
		return err
	}
	env.Progress(100)
	return nil
}

// collectResponses fetches the submitted response set and persists it.
func (e *Engine) collectResponses(ctx context.Context, env *worker.Env) error {
	formID, err := e.deployedFormID(ctx, env.Workflow.ID)
	if err != nil {
		return err
	}
	env.Progress(10)

	var set external.ResponseSet
	err = e.policy.Do(ctx, "forms", func(ctx context.Context) error {
		s, submitted, err := e.ext.Forms.PollResponses(ctx, formID)
		if err != nil {
			return err
		}
		if !submitted {
			// The eligibility check raced the learner; retry later.
			return faults.Transient(faults.ErrNotYetSubmitted)
		}
		set = s
		return nil
	})
	if err != nil {
		return err
	}
	env.Progress(60)

	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("workflows/%s/responses.json", env.Workflow.ID)
	if _, err := e.produceArtifact(ctx, env, models.ArtifactResponseSet, key, payload, map[string]string{"form_id": formID}); err != nil {
		return err
	}
	env.Progress(100)
	return nil
}

// analyzeGaps turns the response set into a gap report.
func (e *Engine) analyzeGaps(ctx context.Context, env *worker.Env) error {
	raw, err := completedDetail(ctx, env, models.ArtifactResponseSet)
	if err != nil {
		return err
	}
	var set external.ResponseSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return faults.Permanentf("corrupt response set payload: %v", err)
	}
	env.Progress(20)

	var report external.GapReport
	err = e.policy.Do(ctx, "gap_analyzer", func(ctx context.Context) error {
		var err error
		report, err = e.ext.Analyzer.Analyze(ctx, set, env.Workflow.Parameters.CertProfileRef)
		return err
	})
	if err != nil {
		return err
	}
	env.Progress(70)

	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("workflows/%s/gap-report.json", env.Workflow.ID)
	if _, err := e.produceArtifact(ctx, env, models.ArtifactGapReport, key, payload, nil); err != nil {
		return err
	}
	env.Progress(100)
	return nil
}

// buildOutline plans remediation content from the gap report.
func (e *Engine) buildOutline(ctx context.Context, env *worker.Env) error {
	raw, err := completedDetail(ctx, env, models.ArtifactGapReport)
	if err != nil {
		return err
	}
	var report external.GapReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return faults.Permanentf("corrupt gap report payload: %v", err)
	}
	env.Progress(20)

	var outline external.Outline
	err = e.policy.Do(ctx, "outliner", func(ctx context.Context) error {
		var err error
		outline, err = e.ext.Outliner.BuildOutline(ctx, report, env.Workflow.Parameters.CertProfileRef)
		return err
	})
	if err != nil {
		return err
	}
	if len(outline.Segments) == 0 {
		return faults.Permanentf("outliner produced no segments for workflow %s", env.Workflow.ID)
	}
	env.Progress(70)

	payload, err := json.Marshal(outline)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("workflows/%s/outline.json", env.Workflow.ID)
	if _, err := e.produceArtifact(ctx, env, models.ArtifactOutline, key, payload, nil); err != nil {
		return err
	}
	env.Progress(100)
	return nil
}

// fanoutItem is one unit of parallel work inside a fan-out stage.
type fanoutItem struct {
	label string
	run   func(ctx context.Context) (locators map[string]string, err error)
}

// sessionGuard serializes session writes across fan-out goroutines; a
// session wraps a single connection and is not safe for concurrent use.
type sessionGuard struct {
	mu   *sync.Mutex
	sess worker.Session
}

func (g sessionGuard) do(fn func(sess worker.Session) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.sess)
}

// runFanout executes items with bounded parallelism under the parent job's
// queue slot. Each item is recorded as a child job row and produces one
// artifact of the given kind. Unless the workflow demands full fan-out
// success, partial failure is tolerated as long as something succeeded.
func (e *Engine) runFanout(ctx context.Context, env *worker.Env, target models.Stage, kind models.ArtifactKind, items []fanoutItem) error {
	if len(items) == 0 {
		return faults.Permanentf("nothing to fan out for %s", kind)
	}

	// A parent retry must not redo items that already produced their
	// artifact; the completed rows from the previous attempt are the
	// dedupe record.
	existing, err := env.Session.ListArtifactsByKind(ctx, env.Workflow.ID, kind)
	if err != nil {
		return err
	}
	produced := make(map[string]bool, len(existing))
	for _, a := range existing {
		if a.GenerationStatus == models.GenerationCompleted {
			produced[a.Detail] = true
		}
	}
	remaining := make([]fanoutItem, 0, len(items))
	for _, it := range items {
		if produced[it.label] {
			continue
		}
		remaining = append(remaining, it)
	}
	if len(remaining) == 0 {
		env.Progress(100)
		return nil
	}
	items = remaining

	guard := sessionGuard{mu: &sync.Mutex{}, sess: env.Session}
	var finished atomic.Int64
	var failures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanoutConcurrency)

	requireAll := env.Workflow.Parameters.RequireFullFanout
	var firstErr error
	var errMu sync.Mutex
	recordErr := func(err error) {
		failures.Add(1)
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	for _, it := range items {
		it := it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			var child models.Job
			var art models.Artifact
			err := guard.do(func(sess worker.Session) error {
				var err error
				child, err = sess.CreateChildJob(gctx, store.CreateJobParams{
					WorkflowID:  env.Workflow.ID,
					ParentJobID: env.JobID,
					StageTarget: target,
					Priority:    target.Ordinal(),
					Attempt:     1,
					MaxAttempts: 1,
				})
				if err != nil {
					return err
				}
				if err := sess.MarkJobRunning(gctx, child.ID); err != nil {
					return err
				}
				art, err = sess.CreateArtifact(gctx, env.Workflow.ID, kind, it.label)
				if err != nil {
					return err
				}
				return sess.SetArtifactGenerating(gctx, art.ID)
			})
			if err != nil {
				return err
			}

			locators, runErr := it.run(gctx)

			finishErr := guard.do(func(sess worker.Session) error {
				if runErr != nil {
					_ = sess.FailArtifact(gctx, art.ID, runErr.Error())
					msg := runErr.Error()
					return sess.FinishJob(gctx, child.ID, models.JobFailed, &msg)
				}
				if err := sess.CompleteArtifact(gctx, art.ID, locators); err != nil {
					return err
				}
				return sess.FinishJob(gctx, child.ID, models.JobCompleted, nil)
			})
			if finishErr != nil {
				return finishErr
			}

			done := finished.Add(1)
			env.Progress(int(done * 100 / int64(len(items))))

			if runErr != nil {
				if requireAll || faults.IsPermanent(runErr) {
					return runErr
				}
				recordErr(runErr)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if failures.Load() == int64(len(items)) {
		return firstErr
	}
	if n := failures.Load(); n > 0 {
		e.logger.Warn("fan-out completed with partial failures",
			"workflow", env.Workflow.ID, "kind", kind, "failed", n, "total", len(items))
	}
	return nil
}

// renderPresentations fans out one slide deck per outline segment.
func (e *Engine) renderPresentations(ctx context.Context, env *worker.Env) error {
	raw, err := completedDetail(ctx, env, models.ArtifactOutline)
	if err != nil {
		return err
	}
	var outline external.Outline
	if err := json.Unmarshal([]byte(raw), &outline); err != nil {
		return faults.Permanentf("corrupt outline payload: %v", err)
	}

	items := make([]fanoutItem, 0, len(outline.Segments))
	for _, seg := range outline.Segments {
		seg := seg
		items = append(items, fanoutItem{
			label: seg.SkillArea,
			run: func(ctx context.Context) (map[string]string, error) {
				var rendered external.RenderedPresentation
				err := e.policy.Do(ctx, "presenter", func(ctx context.Context) error {
					var err error
					rendered, err = e.ext.Presenter.Render(ctx, seg)
					return err
				})
				if err != nil {
					return nil, err
				}
				return map[string]string{"deck": rendered.Location, "skill_area": seg.SkillArea}, nil
			},
		})
	}
	return e.runFanout(ctx, env, models.StagePresentationsGenerated, models.ArtifactPresentation, items)
}

// renderNarrations fans out one narrated video per completed presentation.
func (e *Engine) renderNarrations(ctx context.Context, env *worker.Env) error {
	decks, err := env.Session.ListArtifactsByKind(ctx, env.Workflow.ID, models.ArtifactPresentation)
	if err != nil {
		return err
	}

	var items []fanoutItem
	for _, deck := range decks {
		if deck.GenerationStatus != models.GenerationCompleted {
			continue
		}
		location := deck.ResultLocators["deck"]
		skill := deck.ResultLocators["skill_area"]
		if location == "" {
			continue
		}
		items = append(items, fanoutItem{
			label: skill,
			run: func(ctx context.Context) (map[string]string, error) {
				var narrated external.RenderedNarration
				err := e.policy.Do(ctx, "narrator", func(ctx context.Context) error {
					var err error
					narrated, err = e.ext.Narrator.Narrate(ctx, location)
					return err
				})
				if err != nil {
					return nil, err
				}
				return map[string]string{"video": narrated.VideoLocation, "deck": location, "skill_area": skill}, nil
			},
		})
	}
	if len(items) == 0 {
		return faults.Permanentf("workflow %s has no completed presentations to narrate", env.Workflow.ID)
	}
	return e.runFanout(ctx, env, models.StageNarrationGenerated, models.ArtifactNarration, items)
}

// manifestEntry is one artifact's record in the final deliverable index.
type manifestEntry struct {
	Kind     models.ArtifactKind `json:"kind"`
	Label    string              `json:"label,omitempty"`
	Locators map[string]string   `json:"locators"`
}

// finalize assembles the manifest of every completed artifact and uploads
// it as the workflow's last deliverable.
func (e *Engine) finalize(ctx context.Context, env *worker.Env) error {
	kinds := []models.ArtifactKind{
		models.ArtifactForm,
		models.ArtifactResponseSet,
		models.ArtifactGapReport,
		models.ArtifactOutline,
		models.ArtifactPresentation,
		models.ArtifactNarration,
	}
	var entries []manifestEntry
	for _, kind := range kinds {
		arts, err := env.Session.ListArtifactsByKind(ctx, env.Workflow.ID, kind)
		if err != nil {
			return err
		}
		for _, a := range arts {
			if a.GenerationStatus != models.GenerationCompleted {
				continue
			}
			entries = append(entries, manifestEntry{Kind: a.Kind, Label: a.Detail, Locators: a.ResultLocators})
		}
	}
	env.Progress(40)

	manifest := struct {
		WorkflowID string          `json:"workflow_id"`
		Candidate  string          `json:"candidate_ref"`
		Profile    string          `json:"cert_profile_ref"`
		Artifacts  []manifestEntry `json:"artifacts"`
	}{
		WorkflowID: env.Workflow.ID,
		Candidate:  env.Workflow.Parameters.CandidateRef,
		Profile:    env.Workflow.Parameters.CertProfileRef,
		Artifacts:  entries,
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("workflows/%s/manifest.json", env.Workflow.ID)
	if _, err := e.produceArtifact(ctx, env, models.ArtifactManifest, key, payload, nil); err != nil {
		return err
	}
	env.Progress(100)
	return nil
}
