package model

import "strings"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity maps free-form model output onto the three levels; unknown values are medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "severe", "major":
		return SeverityHigh
	case "low", "minor", "trivial":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// ErrorItem is one mistake reported by the grading stage.
type ErrorItem struct {
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
	Severity      Severity `json:"severity"`
	Snippet       string   `json:"snippet,omitempty"`
	Deduction     float64  `json:"deduction,omitempty"`
}

type Feedback struct {
	OverallComment  string   `json:"overallComment"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Suggestions     []string `json:"suggestions"`
	KnowledgePoints []string `json:"knowledgePoints"`
}

type QuestionStatus string

const (
	QuestionCorrect QuestionStatus = "correct"
	QuestionWarning QuestionStatus = "warning"
	QuestionError   QuestionStatus = "error"
)

// StatusFor buckets a score: >= 90% correct, >= 50% warning, otherwise error.
func StatusFor(score, maxScore float64) QuestionStatus {
	if maxScore <= 0 {
		return QuestionError
	}
	switch r := score / maxScore; {
	case r >= 0.9:
		return QuestionCorrect
	case r >= 0.5:
		return QuestionWarning
	default:
		return QuestionError
	}
}

// QuestionGrading is the grading stage output for one segment.
type QuestionGrading struct {
	QuestionIndex  int            `json:"questionIndex"`
	QuestionNumber string         `json:"questionNumber"`
	PageIndex      int            `json:"pageIndex"`
	Box            BBox           `json:"bbox"`
	Score          float64        `json:"score"`
	MaxScore       float64        `json:"maxScore"`
	Confidence     float64        `json:"confidence"`
	Status         QuestionStatus `json:"status"`
	Errors         []ErrorItem    `json:"errors"`
	Feedback       Feedback       `json:"feedback"`
	// Degraded marks a placeholder produced after unreadable responses.
	Degraded bool `json:"degraded,omitempty"`
}
