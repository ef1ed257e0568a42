package model

import "time"

// GradingResult is the immutable submission-level record produced at assembly.
// Callers receive copies; use Clone before handing one to another owner.
type GradingResult struct {
	SubmissionID     string            `json:"submissionId"`
	AssignmentID     string            `json:"assignmentId"`
	Score            float64           `json:"score"`
	MaxScore         float64           `json:"maxScore"`
	Confidence       float64           `json:"confidence"`
	Questions        []QuestionGrading `json:"questions"`
	Errors           []ErrorItem       `json:"errors"`
	Annotations      []Annotation      `json:"annotations"`
	Feedback         Feedback          `json:"feedback"`
	Complexity       *ComplexityReport `json:"complexity,omitempty"`
	ExecutionMode    ExecutionMode     `json:"executionMode"`
	FromCache        bool              `json:"fromCache"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	CompletedAt      time.Time         `json:"completedAt"`
}

func (r GradingResult) Clone() GradingResult {
	out := r
	out.Questions = make([]QuestionGrading, len(r.Questions))
	for i, q := range r.Questions {
		q.Errors = append([]ErrorItem(nil), q.Errors...)
		q.Feedback = q.Feedback.clone()
		out.Questions[i] = q
	}
	out.Errors = append([]ErrorItem(nil), r.Errors...)
	out.Annotations = append([]Annotation(nil), r.Annotations...)
	out.Feedback = r.Feedback.clone()
	if r.Complexity != nil {
		c := *r.Complexity
		out.Complexity = &c
	}
	return out
}

// Reused rebinds a cached result to another submission and marks it as served from cache.
func (r GradingResult) Reused(submissionID, assignmentID string, elapsed time.Duration, now time.Time) GradingResult {
	out := r.Clone()
	out.SubmissionID = submissionID
	out.AssignmentID = assignmentID
	out.FromCache = true
	out.ProcessingTimeMs = elapsed.Milliseconds()
	out.CompletedAt = now
	return out
}

// Degraded reports whether any question fell back to a placeholder grading
// or any annotation was placed without the service answering.
func (r GradingResult) Degraded() bool {
	for _, q := range r.Questions {
		if q.Degraded {
			return true
		}
	}
	for _, a := range r.Annotations {
		if a.Location.Unverified {
			return true
		}
	}
	return false
}

func (f Feedback) clone() Feedback {
	return Feedback{
		OverallComment:  f.OverallComment,
		Strengths:       append([]string(nil), f.Strengths...),
		Weaknesses:      append([]string(nil), f.Weaknesses...),
		Suggestions:     append([]string(nil), f.Suggestions...),
		KnowledgePoints: append([]string(nil), f.KnowledgePoints...),
	}
}

type SubmissionStatus string

const (
	StatusQueued     SubmissionStatus = "queued"
	StatusProcessing SubmissionStatus = "processing"
	StatusDone       SubmissionStatus = "done"
	StatusFailed     SubmissionStatus = "failed"
	StatusCancelled  SubmissionStatus = "cancelled"
)

func (s SubmissionStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// SubmissionRecord is the persisted view of a submission and its outcome.
type SubmissionRecord struct {
	Submission    Submission       `json:"submission"`
	Status        SubmissionStatus `json:"status"`
	Stage         Stage            `json:"stage"`
	Result        *GradingResult   `json:"result,omitempty"`
	FailureReason string           `json:"failureReason,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
