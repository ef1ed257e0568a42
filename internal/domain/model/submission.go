package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"grading-orchestrator/internal/domain"
)

type Strictness string

const (
	StrictnessLoose    Strictness = "loose"
	StrictnessStandard Strictness = "standard"
	StrictnessStrict   Strictness = "strict"
)

type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeFast     ExecutionMode = "fast"
	ModeStandard ExecutionMode = "standard"
	ModeFull     ExecutionMode = "full"
)

// Submission is immutable once enqueued.
type Submission struct {
	ID            string        `json:"submissionId" validate:"required,max=64"`
	AssignmentID  string        `json:"assignmentId" validate:"required,max=64"`
	Images        []string      `json:"images" validate:"required,min=1,max=50,dive,required,max=2048"`
	Rubric        string        `json:"rubric" validate:"max=20000"`
	Strictness    Strictness    `json:"strictness" validate:"required,oneof=loose standard strict"`
	MaxScore      float64       `json:"maxScore" validate:"gt=0,lte=1000"`
	ExecutionMode ExecutionMode `json:"executionMode" validate:"required,oneof=auto fast standard full"`
	Subject       string        `json:"subject,omitempty" validate:"max=64"`
	HasFigures    bool          `json:"hasFigures,omitempty"`
	Priority      Priority      `json:"priority" validate:"gte=0,lte=3"`
	SubmittedAt   time.Time     `json:"submittedAt"`
}

var validate = validator.New()

// WithDefaults fills optional fields; it never overwrites caller values.
func (s Submission) WithDefaults(now time.Time) Submission {
	if s.Strictness == "" {
		s.Strictness = StrictnessStandard
	}
	if s.ExecutionMode == "" {
		s.ExecutionMode = ModeAuto
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = now
	}
	s.Images = append([]string(nil), s.Images...)
	return s
}

// Validate returns a KindValidation error naming every offending field.
func (s Submission) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Validation("submission", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return domain.Validation("submission", fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(fields, ", ")))
}

// GradingConfig is the per-question grading instruction passed to the grading stage.
type GradingConfig struct {
	Rubric     string
	Strictness Strictness
	MaxScore   float64
	Subject    string
}

func (s Submission) GradingConfig() GradingConfig {
	return GradingConfig{Rubric: s.Rubric, Strictness: s.Strictness, MaxScore: s.MaxScore, Subject: s.Subject}
}
