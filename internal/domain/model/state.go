package model

import "time"

// GradingState is the working record of one submission inside one worker.
// Each stage fills its own output field once; nothing is shared across workers.
type GradingState struct {
	Submission Submission
	Stage      Stage
	StartedAt  time.Time

	Preprocess   *PreprocessOutput
	Cache        *CacheOutput
	Plan         *ExecutionPlan
	Segmentation *SegmentationOutput
	Grading      *GradingOutput
	Location     *LocationOutput
	Result       *GradingResult

	Err       error
	Cancelled bool
}

func NewGradingState(sub Submission, now time.Time) *GradingState {
	return &GradingState{Submission: sub, Stage: StageQueued, StartedAt: now}
}

type PreprocessOutput struct {
	Pages  []OCRPage
	Images map[string]Image // by page ImageRef
	Text   string
	// CacheText is the text the cache is keyed on; empty disables caching.
	CacheText   string
	OCRRequired bool
}

// Image returns the fetched image of a page reference, if any.
func (p *PreprocessOutput) Image(ref string) *Image {
	if p == nil {
		return nil
	}
	img, ok := p.Images[ref]
	if !ok {
		return nil
	}
	return &img
}

type CacheOutput struct {
	Hash   string
	Hit    bool
	Result *GradingResult
}

// ExecutionPlan is what the resolved execution mode buys a submission.
type ExecutionPlan struct {
	Mode              ExecutionMode
	Complexity        ComplexityReport
	BatchGrading      bool
	MinLocateSeverity Severity
}

type SegmentationOutput struct {
	Segments []QuestionSegment
	FellBack bool
}

type GradingOutput struct {
	Questions []QuestionGrading
}

type LocationOutput struct {
	Annotations []Annotation
}
