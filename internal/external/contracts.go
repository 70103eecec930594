// Package external holds the narrow contracts for every collaborator the
// pipeline calls out to, plus the uniform retry and circuit-breaker
// discipline wrapped around them. Concrete integrations implement these
// interfaces and translate their transport errors into the faults
// taxonomy; nothing above this layer sees transport error shapes.
package external

import (
	"context"
)

// FormSpec describes the assessment form to deploy.
type FormSpec struct {
	Title          string
	CertProfileRef string
	QuestionCount  int
}

// FormDeployment identifies a deployed form in the external system.
type FormDeployment struct {
	FormID    string
	PublicURL string
}

// ResponseSet is a collected set of learner answers.
type ResponseSet struct {
	FormID    string
	Count     int
	Responses []map[string]string
}

// Gap is one identified knowledge gap.
type Gap struct {
	SkillArea string
	Severity  int
	Evidence  string
}

// GapReport is the analysis output for one response set.
type GapReport struct {
	Gaps []Gap
}

// OutlineSegment is the remediation content plan for one skill gap.
type OutlineSegment struct {
	SkillArea string
	Title     string
	Points    []string
}

// Outline groups all segments for a workflow.
type Outline struct {
	Segments []OutlineSegment
}

// RenderedPresentation locates a rendered slide deck.
type RenderedPresentation struct {
	Location string
}

// RenderedNarration locates a narrated video.
type RenderedNarration struct {
	VideoLocation string
}

// FormProvider deploys assessment forms and reports on responses.
// PollResponses returns submitted=false while the learner has not
// finished; that is an expected state, not an error.
type FormProvider interface {
	Deploy(ctx context.Context, spec FormSpec) (FormDeployment, error)
	PollResponses(ctx context.Context, formID string) (ResponseSet, bool, error)
}

// GapAnalyzer derives knowledge gaps from collected responses.
type GapAnalyzer interface {
	Analyze(ctx context.Context, responses ResponseSet, certProfileRef string) (GapReport, error)
}

// ContentOutliner plans remediation content from a gap report.
type ContentOutliner interface {
	BuildOutline(ctx context.Context, report GapReport, certProfileRef string) (Outline, error)
}

// PresentationRenderer renders one outline segment into a slide deck.
type PresentationRenderer interface {
	Render(ctx context.Context, segment OutlineSegment) (RenderedPresentation, error)
}

// NarrationRenderer produces a narrated video for a rendered presentation.
type NarrationRenderer interface {
	Narrate(ctx context.Context, presentationLocation string) (RenderedNarration, error)
}

// Services bundles all collaborators for wiring.
type Services struct {
	Forms     FormProvider
	Analyzer  GapAnalyzer
	Outliner  ContentOutliner
	Presenter PresentationRenderer
	Narrator  NarrationRenderer
}
