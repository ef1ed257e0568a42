//go:build !integration

package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

func testSegments(n int, maxScore float64) []model.QuestionSegment {
	segs := make([]model.QuestionSegment, n)
	for i := range segs {
		segs[i] = model.QuestionSegment{
			Index:      i,
			Number:     fmt.Sprint(i + 1),
			Box:        model.BBox{X: 0, Y: 100 * i, Width: 800, Height: 100},
			SourceRef:  "img://1",
			Text:       fmt.Sprintf("%d. answer %d", i+1, i),
			Confidence: 0.9,
			MaxScore:   maxScore,
		}
	}
	return segs
}

func newGrader(ai *scriptedAI) *GradingStage {
	return NewGradingStage(ai, "grader", config.Default().Grading, newTestLogger())
}

var rubric = model.GradingConfig{Rubric: "exact answer", Strictness: model.StrictnessStrict, MaxScore: 10}

func TestGradingStage_Grade(t *testing.T) {
	ctx := context.Background()
	seg := testSegments(1, 5)[0]

	t.Run("parses and clamps", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) {
			return "```json\n" + `{"score": "12", "confidence": 1.4, "errors": [
				{"type": "calculation", "description": "3*4 is not 11", "severity": "critical", "related_text": "11"}],
				"overall_comment": "close", "strengths": "neat"}` + "\n```", nil
		}}
		q, err := newGrader(ai).Grade(ctx, seg, rubric, nil)
		if err != nil {
			t.Fatalf("Grade: %v", err)
		}
		if q.Score != 5 || q.Confidence != 1 {
			t.Fatalf("score/confidence = %v/%v, want 5/1", q.Score, q.Confidence)
		}
		if len(q.Errors) != 1 || q.Errors[0].Severity != model.SeverityHigh || q.Errors[0].Snippet != "11" {
			t.Fatalf("errors = %+v", q.Errors)
		}
		if q.Status != model.QuestionCorrect || q.Degraded {
			t.Fatalf("status = %s degraded=%v", q.Status, q.Degraded)
		}
		if len(q.Feedback.Strengths) != 1 {
			t.Fatalf("strengths = %v", q.Feedback.Strengths)
		}
	})

	t.Run("missing score degrades after retry", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) {
			return `{"confidence": 0.9, "errors": []}`, nil
		}}
		q, err := newGrader(ai).Grade(ctx, seg, rubric, nil)
		if err != nil {
			t.Fatalf("Grade: %v", err)
		}
		if !q.Degraded || q.Score != 0 || q.Confidence != 0 || len(q.Errors) != 0 {
			t.Fatalf("grading = %+v, want degraded placeholder", q)
		}
		if ai.Calls() != 2 {
			t.Fatalf("calls = %d, want one retry", ai.Calls())
		}
	})

	t.Run("retry recovers", func(t *testing.T) {
		ai := &scriptedAI{respond: func(call int, _ string) (string, error) {
			if call == 1 {
				return "I think the score is 4", nil
			}
			return `{"score": 4, "confidence": 0.7, "errors": []}`, nil
		}}
		q, err := newGrader(ai).Grade(ctx, seg, rubric, nil)
		if err != nil || q.Degraded || q.Score != 4 {
			t.Fatalf("grading = %+v, err = %v", q, err)
		}
	})

	t.Run("service error is returned", func(t *testing.T) {
		boom := domain.Transient("chat", errors.New("503"))
		ai := &scriptedAI{respond: func(int, string) (string, error) { return "", boom }}
		if _, err := newGrader(ai).Grade(ctx, seg, rubric, nil); !domain.IsKind(err, domain.KindTransient) {
			t.Fatalf("err = %v, want transient", err)
		}
	})
}

func TestGradingStage_GradeBatch(t *testing.T) {
	ctx := context.Background()
	segs := testSegments(3, 2)

	t.Run("combined answer", func(t *testing.T) {
		ai := &scriptedAI{respond: func(_ int, p string) (string, error) {
			if !isBatchPrompt(p) {
				t.Errorf("expected a single combined call")
			}
			return `{"questions": [
				{"question_index": 0, "score": 2, "confidence": 0.9, "errors": []},
				{"question_index": 1, "score": 1, "confidence": 0.8, "errors": [{"type": "concept", "description": "wrong", "severity": "low"}]},
				{"question_index": 2, "score": 0, "confidence": 0.7, "errors": []}]}`, nil
		}}
		qs, err := newGrader(ai).GradeBatch(ctx, segs, rubric, nil)
		if err != nil {
			t.Fatalf("GradeBatch: %v", err)
		}
		if len(qs) != 3 || ai.Calls() != 1 {
			t.Fatalf("got %d gradings in %d calls", len(qs), ai.Calls())
		}
		for i, q := range qs {
			if q.QuestionIndex != i {
				t.Fatalf("order: position %d holds question %d", i, q.QuestionIndex)
			}
		}
		if qs[1].Status != model.QuestionWarning || qs[2].Status != model.QuestionError {
			t.Fatalf("statuses = %s, %s", qs[1].Status, qs[2].Status)
		}
	})

	t.Run("missing question graded alone", func(t *testing.T) {
		ai := &scriptedAI{respond: func(_ int, p string) (string, error) {
			if isBatchPrompt(p) {
				return `{"questions": [
					{"question_index": 0, "score": 2, "confidence": 0.9, "errors": []},
					{"question_index": 2, "score": 2, "confidence": 0.9, "errors": []}]}`, nil
			}
			return `{"score": 1.5, "confidence": 0.6, "errors": []}`, nil
		}}
		qs, err := newGrader(ai).GradeBatch(ctx, segs, rubric, nil)
		if err != nil {
			t.Fatalf("GradeBatch: %v", err)
		}
		if ai.Calls() != 2 || qs[1].Score != 1.5 {
			t.Fatalf("calls = %d, q1 = %+v", ai.Calls(), qs[1])
		}
	})

	t.Run("entry without score graded alone", func(t *testing.T) {
		ai := &scriptedAI{respond: func(_ int, p string) (string, error) {
			if isBatchPrompt(p) {
				return `{"questions": [
					{"question_index": 0, "errors": []},
					{"question_index": 1, "score": 1, "confidence": 0.8},
					{"question_index": 2, "score": 2, "confidence": 0.9, "errors": []}]}`, nil
			}
			return `{"score": 1.5, "confidence": 0.6, "errors": []}`, nil
		}}
		qs, err := newGrader(ai).GradeBatch(ctx, segs, rubric, nil)
		if err != nil {
			t.Fatalf("GradeBatch: %v", err)
		}
		if ai.Calls() != 3 {
			t.Fatalf("calls = %d, want 1 combined + 2 single", ai.Calls())
		}
		for _, i := range []int{0, 1} {
			if qs[i].Score != 1.5 || qs[i].Confidence != 0.6 || qs[i].Degraded {
				t.Fatalf("q%d = %+v, want the single-call grading", i, qs[i])
			}
		}
		if qs[2].Score != 2 {
			t.Fatalf("q2 score = %v", qs[2].Score)
		}
	})
}
