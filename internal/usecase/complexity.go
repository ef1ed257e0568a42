package usecase

import (
	"strings"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain/model"
)

var defaultHardSubjects = []string{
	"math", "mathematics", "algebra", "geometry", "calculus",
	"physics", "chemistry", "programming", "code", "computer science",
	"数学", "物理", "化学", "编程",
}

// ComplexityAssessor scores a submission from its metadata. It is a pure
// function of its input: no I/O, no clock.
type ComplexityAssessor struct {
	simpleBelow  int
	complexFrom  int
	hardSubjects []string
}

func NewComplexityAssessor(cfg config.ComplexityConfig) *ComplexityAssessor {
	a := &ComplexityAssessor{simpleBelow: cfg.SimpleBelow, complexFrom: cfg.ComplexAbove, hardSubjects: defaultHardSubjects}
	if a.simpleBelow <= 0 {
		a.simpleBelow = 30
	}
	if a.complexFrom <= a.simpleBelow {
		a.complexFrom = 70
	}
	return a
}

// Assess sums six capped sub-scores: files 0-20, text 0-30, questions 0-20,
// embedded images 0-15, subject 0-15, OCR 0-10. Every sub-score is
// non-decreasing in its input.
func (a *ComplexityAssessor) Assess(in model.ComplexityInput) model.ComplexityReport {
	sub := model.SubScores{
		Files:     step(in.ImageCount, []int{1, 3}, []int{0, 10, 20}),
		Text:      stepBelow(in.TextLength, []int{500, 2000}, []int{0, 15, 30}),
		Questions: step(in.QuestionCount, []int{3, 10}, []int{0, 10, 20}),
	}
	if in.HasImages {
		sub.Images = 15
	}
	if a.isHardSubject(in.Subject) {
		sub.Subject = 15
	}
	if in.OCRRequired {
		sub.OCR = 10
	}

	score := min(max(sub.Sum(), 0), 100)
	rep := model.ComplexityReport{Score: score, SubScores: sub}
	switch {
	case score < a.simpleBelow:
		rep.Level, rep.Mode = model.ComplexitySimple, model.ModeFast
	case score < a.complexFrom:
		rep.Level, rep.Mode = model.ComplexityMedium, model.ModeStandard
	default:
		rep.Level, rep.Mode = model.ComplexityComplex, model.ModeFull
	}
	return rep
}

// ResolveMode returns the mode that actually runs: explicit requests win, auto
// follows the assessment.
func (a *ComplexityAssessor) ResolveMode(requested model.ExecutionMode, rep model.ComplexityReport) model.ExecutionMode {
	switch requested {
	case model.ModeFast, model.ModeStandard, model.ModeFull:
		return requested
	}
	if rep.Mode == "" {
		return model.ModeStandard
	}
	return rep.Mode
}

func (a *ComplexityAssessor) isHardSubject(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "" {
		return false
	}
	for _, h := range a.hardSubjects {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// step returns points[i] for the first bound with v <= bounds[i], else the last point.
func step(v int, bounds, points []int) int {
	for i, b := range bounds {
		if v <= b {
			return points[i]
		}
	}
	return points[len(points)-1]
}

// stepBelow is step with strict upper bounds.
func stepBelow(v int, bounds, points []int) int {
	for i, b := range bounds {
		if v < b {
			return points[i]
		}
	}
	return points[len(points)-1]
}

// EstimateQuestionCount uses detected markers when any, otherwise one
// question per 500 characters of text (at least one).
func EstimateQuestionCount(markers, textLength int) int {
	if markers > 0 {
		return markers
	}
	return max(1, textLength/500)
}
