package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"certflow/internal/blobstore"
	"certflow/internal/config"
	"certflow/internal/external"
	"certflow/internal/faults"
	"certflow/internal/models"
	"certflow/internal/queue"
	"certflow/internal/worker"
)

func pipelineConfig(t *testing.T) config.Config {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.AdapterMaxRetries = 2
	cfg.ArtifactOutputDir = t.TempDir()
	return cfg
}

// startPipeline wires the real queue, runner, and state machine over the
// in-memory store and starts the dispatch and poll loops.
func startPipeline(t *testing.T, cfg config.Config, services external.Services) (*memStore, *Engine) {
	t.Helper()
	st := newMemStore()
	blob, err := blobstore.New(context.Background(), cfg)
	require.NoError(t, err)

	logger := quietLogger()
	runner := worker.NewRunner(cfg, st, st, logger)
	q := queue.New(cfg.MaxConcurrentJobs, runner.Execute, logger)
	eng := New(cfg, st, q, services, external.NewPolicy(cfg), blob, logger)
	runner.SetSink(eng)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = q.Run(ctx) }()
	go func() { _ = eng.RunPoller(ctx) }()
	return st, eng
}

func waitForStatus(t *testing.T, st *memStore, id string, want models.Status) models.Workflow {
	t.Helper()
	var wf models.Workflow
	require.Eventually(t, func() bool {
		wf, _ = st.GetWorkflow(context.Background(), id)
		return wf.Status == want
	}, 15*time.Second, 5*time.Millisecond, "workflow never reached %s (stage=%s status=%s)", want, wf.Stage, wf.Status)
	return wf
}

func completedArtifacts(t *testing.T, st *memStore, id string, kind models.ArtifactKind) []models.Artifact {
	t.Helper()
	all, err := st.ListArtifactsByKind(context.Background(), id, kind)
	require.NoError(t, err)
	var out []models.Artifact
	for _, a := range all {
		if a.GenerationStatus == models.GenerationCompleted {
			out = append(out, a)
		}
	}
	return out
}

func TestPipelineRunsToCompletion(t *testing.T) {
	cfg := pipelineConfig(t)
	// One transient outage per operation exercises adapter-level retry on
	// the way through.
	sim := external.NewSimulator(0, 1, 1)
	st, eng := startPipeline(t, cfg, external.SimServices(sim))
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, validParams())
	require.NoError(t, err)
	_, err = eng.AdvanceIfEligible(ctx, wf.ID)
	require.NoError(t, err)

	final := waitForStatus(t, st, wf.ID, models.StatusCompletedState)
	require.Equal(t, models.StageCompleted, final.Stage)
	require.Nil(t, final.ErrorMessage)

	// Every stage output exists exactly as the pipeline shape dictates:
	// one of each single artifact, one presentation and narration per
	// simulated gap, and a manifest indexing them.
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactForm), 1)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactResponseSet), 1)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactGapReport), 1)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactOutline), 1)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactPresentation), 2)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactNarration), 2)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactManifest), 1)

	// Narrations chain off their decks.
	for _, n := range completedArtifacts(t, st, wf.ID, models.ArtifactNarration) {
		require.NotEmpty(t, n.ResultLocators["video"])
		require.NotEmpty(t, n.ResultLocators["deck"])
	}

	// The audit trail shows one advance per pipeline hop.
	advances := 0
	for _, e := range st.auditEvents(wf.ID) {
		if e == "stage_advanced" {
			advances++
		}
	}
	require.Equal(t, 7, advances)

	// Fan-out children were recorded under their parents.
	children := 0
	for _, j := range st.jobsFor(wf.ID) {
		if j.ParentJobID != nil {
			children++
			require.Equal(t, models.JobCompleted, j.Status)
		}
	}
	require.Equal(t, 4, children, "two presentations plus two narrations")
}

// flakyPresenter fails one skill area; everything else renders normally.
type flakyPresenter struct {
	inner     external.PresentationRenderer
	badSkill  string
	permanent bool
}

func (f flakyPresenter) Render(ctx context.Context, seg external.OutlineSegment) (external.RenderedPresentation, error) {
	if seg.SkillArea == f.badSkill {
		if f.permanent {
			return external.RenderedPresentation{}, faults.Permanentf("renderer rejects %s", seg.SkillArea)
		}
		return external.RenderedPresentation{}, faults.Transientf("renderer flaking on %s", seg.SkillArea)
	}
	return f.inner.Render(ctx, seg)
}

func TestPipelineToleratesPartialFanout(t *testing.T) {
	cfg := pipelineConfig(t)
	sim := external.NewSimulator(0, 0, 0)
	services := external.SimServices(sim)
	services.Presenter = flakyPresenter{inner: sim, badSkill: "storage", permanent: false}
	st, eng := startPipeline(t, cfg, services)
	ctx := context.Background()

	params := validParams() // RequireFullFanout defaults to false
	wf, err := eng.CreateWorkflow(ctx, params)
	require.NoError(t, err)
	_, err = eng.AdvanceIfEligible(ctx, wf.ID)
	require.NoError(t, err)

	final := waitForStatus(t, st, wf.ID, models.StatusCompletedState)
	require.Equal(t, models.StageCompleted, final.Stage)

	// One deck rendered, one failed; the narration fan-out only covers the
	// deck that exists.
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactPresentation), 1)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactNarration), 1)

	failed := 0
	all, _ := st.ListArtifactsByKind(ctx, wf.ID, models.ArtifactPresentation)
	for _, a := range all {
		if a.GenerationStatus == models.GenerationFailed {
			failed++
			require.Empty(t, a.ResultLocators, "failed artifacts carry no locators")
		}
	}
	require.GreaterOrEqual(t, failed, 1)
}

// droppingPresenter fails the first n Render calls for one skill area and
// renders normally after that.
type droppingPresenter struct {
	inner    external.PresentationRenderer
	badSkill string
	failures *atomic.Int32
}

func (p droppingPresenter) Render(ctx context.Context, seg external.OutlineSegment) (external.RenderedPresentation, error) {
	if seg.SkillArea == p.badSkill && p.failures.Add(-1) >= 0 {
		return external.RenderedPresentation{}, faults.Transientf("renderer dropped %s", seg.SkillArea)
	}
	return p.inner.Render(ctx, seg)
}

// A fan-out retry must only redo the segments that failed; segments that
// already produced their deck keep the one they have.
func TestFanoutRetryDoesNotDuplicateArtifacts(t *testing.T) {
	cfg := pipelineConfig(t)
	sim := external.NewSimulator(0, 0, 0)
	services := external.SimServices(sim)

	// Enough failures to exhaust the adapter's retry budget on the first
	// parent attempt; the parent's own retry then succeeds.
	var failures atomic.Int32
	failures.Store(int32(cfg.AdapterMaxRetries) + 1)
	services.Presenter = droppingPresenter{inner: sim, badSkill: "storage", failures: &failures}
	st, eng := startPipeline(t, cfg, services)
	ctx := context.Background()

	params := validParams()
	params.RequireFullFanout = true
	wf, err := eng.CreateWorkflow(ctx, params)
	require.NoError(t, err)
	_, err = eng.AdvanceIfEligible(ctx, wf.ID)
	require.NoError(t, err)

	final := waitForStatus(t, st, wf.ID, models.StatusCompletedState)
	require.Equal(t, models.StageCompleted, final.Stage)

	// One deck and one narration per outline segment, no matter how many
	// attempts the fan-out stage took.
	decks := completedArtifacts(t, st, wf.ID, models.ArtifactPresentation)
	require.Len(t, decks, 2)
	labels := map[string]int{}
	for _, d := range decks {
		labels[d.Detail]++
	}
	require.Equal(t, map[string]int{"networking": 1, "storage": 1}, labels)
	require.Len(t, completedArtifacts(t, st, wf.ID, models.ArtifactNarration), 2)
}

func TestPipelineStrictFanoutFailsWorkflow(t *testing.T) {
	cfg := pipelineConfig(t)
	sim := external.NewSimulator(0, 0, 0)
	services := external.SimServices(sim)
	services.Presenter = flakyPresenter{inner: sim, badSkill: "storage", permanent: true}
	st, eng := startPipeline(t, cfg, services)
	ctx := context.Background()

	params := validParams()
	params.RequireFullFanout = true
	wf, err := eng.CreateWorkflow(ctx, params)
	require.NoError(t, err)
	_, err = eng.AdvanceIfEligible(ctx, wf.ID)
	require.NoError(t, err)

	final := waitForStatus(t, st, wf.ID, models.StatusFailed)
	// The stage stays where the failure happened and a resume token is
	// issued for the operator.
	require.Equal(t, models.StageContentOutlined, final.Stage)
	require.NotNil(t, final.ErrorMessage)
	require.NotNil(t, final.ResumeToken)
}

func TestManualTriggerSharesPollerPath(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.PollInterval = time.Hour // poller effectively off
	sim := external.NewSimulator(0, 0, 1)
	st, eng := startPipeline(t, cfg, external.SimServices(sim))
	ctx := context.Background()

	wf, err := eng.CreateWorkflow(ctx, validParams())
	require.NoError(t, err)
	_, err = eng.AdvanceIfEligible(ctx, wf.ID)
	require.NoError(t, err)

	// With the poller off, the workflow parks waiting for responses after
	// the deploy stage and its first not-yet-submitted probe.
	waitForStatus(t, st, wf.ID, models.StatusAwaitingEvent)

	// A manual trigger performs the live check; the second probe reports
	// submitted and the pipeline runs to the end with each completion
	// chaining the next stage.
	require.Eventually(t, func() bool {
		_, err := eng.ManualTrigger(ctx, wf.ID)
		require.NoError(t, err)
		got, _ := st.GetWorkflow(ctx, wf.ID)
		return got.Status == models.StatusCompletedState
	}, 15*time.Second, 10*time.Millisecond)
}
