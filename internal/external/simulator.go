package external

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"certflow/internal/faults"
)

// Simulator implements every collaborator contract with deterministic,
// payload-free behavior: fixed latency, an optional run of initial
// transient failures per operation, and a configurable number of polls
// before responses count as submitted. It stands in for the real Google /
// LLM / renderer integrations in local runs and tests.
type Simulator struct {
	Latency             time.Duration
	FailFirst           int
	PollsUntilSubmitted int

	mu       sync.Mutex
	failures map[string]int
	polls    map[string]int
	deployed atomic.Int64
}

// NewSimulator builds a simulator with the given knobs.
func NewSimulator(latency time.Duration, failFirst, pollsUntilSubmitted int) *Simulator {
	return &Simulator{
		Latency:             latency,
		FailFirst:           failFirst,
		PollsUntilSubmitted: pollsUntilSubmitted,
		failures:            make(map[string]int),
		polls:               make(map[string]int),
	}
}

// SimServices bundles one simulator behind all five contracts.
func SimServices(sim *Simulator) Services {
	return Services{Forms: sim, Analyzer: sim, Outliner: sim, Presenter: sim, Narrator: sim}
}

func (s *Simulator) sleep(ctx context.Context) error {
	if s.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return faults.Transient(ctx.Err())
	case <-t.C:
		return nil
	}
}

// maybeFail burns through the configured run of transient failures for op.
func (s *Simulator) maybeFail(op string) error {
	if s.FailFirst <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[op] < s.FailFirst {
		s.failures[op]++
		return faults.Transientf("simulated %s outage (%d/%d)", op, s.failures[op], s.FailFirst)
	}
	return nil
}

func (s *Simulator) Deploy(ctx context.Context, spec FormSpec) (FormDeployment, error) {
	if err := s.sleep(ctx); err != nil {
		return FormDeployment{}, err
	}
	if err := s.maybeFail("deploy"); err != nil {
		return FormDeployment{}, err
	}
	if spec.QuestionCount <= 0 {
		return FormDeployment{}, faults.Permanentf("form spec has no questions")
	}
	n := s.deployed.Add(1)
	id := fmt.Sprintf("form-%d", n)
	return FormDeployment{FormID: id, PublicURL: "https://forms.example.com/" + id}, nil
}

func (s *Simulator) PollResponses(ctx context.Context, formID string) (ResponseSet, bool, error) {
	if err := s.sleep(ctx); err != nil {
		return ResponseSet{}, false, err
	}
	s.mu.Lock()
	s.polls[formID]++
	ready := s.polls[formID] > s.PollsUntilSubmitted
	s.mu.Unlock()
	if !ready {
		return ResponseSet{}, false, nil
	}
	return ResponseSet{
		FormID: formID,
		Count:  3,
		Responses: []map[string]string{
			{"q1": "a", "q2": "c"},
			{"q1": "b", "q2": "c"},
			{"q1": "a", "q2": "d"},
		},
	}, true, nil
}

func (s *Simulator) Analyze(ctx context.Context, responses ResponseSet, certProfileRef string) (GapReport, error) {
	if err := s.sleep(ctx); err != nil {
		return GapReport{}, err
	}
	if err := s.maybeFail("analyze"); err != nil {
		return GapReport{}, err
	}
	if responses.Count == 0 {
		return GapReport{}, faults.Permanentf("empty response set")
	}
	return GapReport{Gaps: []Gap{
		{SkillArea: "networking", Severity: 3, Evidence: "missed subnetting questions"},
		{SkillArea: "storage", Severity: 2, Evidence: "confused replication modes"},
	}}, nil
}

func (s *Simulator) BuildOutline(ctx context.Context, report GapReport, certProfileRef string) (Outline, error) {
	if err := s.sleep(ctx); err != nil {
		return Outline{}, err
	}
	if err := s.maybeFail("outline"); err != nil {
		return Outline{}, err
	}
	segments := make([]OutlineSegment, 0, len(report.Gaps))
	for _, g := range report.Gaps {
		segments = append(segments, OutlineSegment{
			SkillArea: g.SkillArea,
			Title:     "Closing the gap: " + g.SkillArea,
			Points:    []string{"fundamentals", "worked examples", "practice questions"},
		})
	}
	return Outline{Segments: segments}, nil
}

func (s *Simulator) Render(ctx context.Context, segment OutlineSegment) (RenderedPresentation, error) {
	if err := s.sleep(ctx); err != nil {
		return RenderedPresentation{}, err
	}
	if err := s.maybeFail("render"); err != nil {
		return RenderedPresentation{}, err
	}
	return RenderedPresentation{Location: "https://slides.example.com/" + segment.SkillArea}, nil
}

func (s *Simulator) Narrate(ctx context.Context, presentationLocation string) (RenderedNarration, error) {
	if err := s.sleep(ctx); err != nil {
		return RenderedNarration{}, err
	}
	if err := s.maybeFail("narrate"); err != nil {
		return RenderedNarration{}, err
	}
	return RenderedNarration{VideoLocation: presentationLocation + "/narrated.mp4"}, nil
}
