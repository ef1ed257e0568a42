//go:build !integration

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

func newLocator(ai *scriptedAI) *LocationStage {
	return NewLocationStage(ai, "locator", config.Default().Location, newTestLogger())
}

func locAnswer(x, y, w, h int, conf float64) string {
	return fmt.Sprintf(`{"bbox": {"x": %d, "y": %d, "width": %d, "height": %d}, "type": "line", "confidence": %v, "reasoning": "underlined result"}`, x, y, w, h, conf)
}

func TestLocationStage_Locate(t *testing.T) {
	ctx := context.Background()
	page := model.OCRPage{Index: 0, ImageRef: "img://1", Width: 800, Height: 1000}
	seg := model.QuestionSegment{Index: 0, Box: model.BBox{X: 0, Y: 100, Width: 800, Height: 100}, SourceRef: "img://1"}
	item := model.ErrorItem{Type: "calculation", Description: "3*4 is 12", Severity: model.SeverityHigh}

	tests := []struct {
		name     string
		answer   string
		fallback bool
		box      model.BBox
		minConf  float64
		maxConf  float64
	}{
		{"accepted", locAnswer(100, 120, 50, 20, 0.9), false, model.BBox{X: 100, Y: 120, Width: 50, Height: 20}, 0.9, 0.9},
		{"low confidence", locAnswer(100, 120, 50, 20, 0.4), true, model.BBox{X: 350, Y: 125, Width: 100, Height: 50}, 0.3, 0.3},
		{"far from question", locAnswer(100, 800, 50, 20, 0.6), true, model.BBox{X: 350, Y: 125, Width: 100, Height: 50}, 0.3, 0.3},
		{"out of bounds but confident", locAnswer(750, 140, 100, 20, 1.0), false, model.BBox{X: 750, Y: 140, Width: 50, Height: 20}, 0.5, 0.5},
		{"tiny box", locAnswer(100, 140, 4, 4, 0.6), true, model.BBox{X: 350, Y: 125, Width: 100, Height: 50}, 0.3, 0.3},
		{"confidence as percent", `{"bbox": {"x": "100", "y": 120, "width": 50.4, "height": 20}, "type": "dot", "confidence": "90%", "reasoning": ""}`, false, model.BBox{X: 100, Y: 120, Width: 50, Height: 20}, 0.9, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &scriptedAI{respond: func(int, string) (string, error) { return tt.answer, nil }}
			loc, err := newLocator(ai).Locate(ctx, page, seg, item, nil)
			if err != nil {
				t.Fatalf("Locate: %v", err)
			}
			if loc.Fallback != tt.fallback || loc.Box != tt.box {
				t.Fatalf("location = %+v, want box %+v fallback=%v", loc, tt.box, tt.fallback)
			}
			if loc.Confidence < tt.minConf-1e-9 || loc.Confidence > tt.maxConf+1e-9 {
				t.Fatalf("confidence = %v, want [%v, %v]", loc.Confidence, tt.minConf, tt.maxConf)
			}
			if loc.Confidence < 0.5 && !loc.Fallback {
				t.Fatalf("unvalidated guess below 0.5: %+v", loc)
			}
			if !loc.Box.Within(page.Width, page.Height) {
				t.Fatalf("box %+v outside page", loc.Box)
			}
		})
	}
}

func TestLocationStage_Failures(t *testing.T) {
	ctx := context.Background()
	page := model.OCRPage{Width: 800, Height: 1000}
	corner := model.QuestionSegment{Box: model.BBox{X: 780, Y: 980, Width: 20, Height: 20}}
	item := model.ErrorItem{Description: "wrong sign"}

	t.Run("malformed twice", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) { return `{"bbox": null}`, nil }}
		loc, err := newLocator(ai).Locate(ctx, page, corner, item, nil)
		if err != nil {
			t.Fatalf("Locate: %v", err)
		}
		if !loc.Fallback || loc.Kind != model.AnnotationArea || ai.Calls() != 2 {
			t.Fatalf("location = %+v after %d calls", loc, ai.Calls())
		}
		if loc.Box != (model.BBox{X: 700, Y: 950, Width: 100, Height: 50}) {
			t.Fatalf("fallback box %+v not shifted inside the page", loc.Box)
		}
	})

	t.Run("service error falls back", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) {
			return "", domain.Transient("chat", errors.New("timeout"))
		}}
		loc, err := newLocator(ai).Locate(ctx, page, corner, item, nil)
		if err != nil || !loc.Fallback || !loc.Unverified {
			t.Fatalf("location = %+v, err = %v", loc, err)
		}
	})

	t.Run("exhaustion is returned", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) {
			return "", domain.Exhausted("breaker", domain.ErrCircuitOpen, 30*time.Second)
		}}
		_, err := newLocator(ai).Locate(ctx, page, corner, item, nil)
		if !domain.IsKind(err, domain.KindResourceExhausted) {
			t.Fatalf("err = %v, want resource exhausted", err)
		}
	})

	t.Run("rejected answer is not unverified", func(t *testing.T) {
		ai := &scriptedAI{respond: func(int, string) (string, error) { return `{"bbox": null}`, nil }}
		loc, _ := newLocator(ai).Locate(ctx, page, corner, item, nil)
		if loc.Unverified {
			t.Fatalf("malformed answers marked unverified: %+v", loc)
		}
	})

	t.Run("cancellation is returned", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		ai := &scriptedAI{respond: func(int, string) (string, error) { return "", nil }}
		if _, err := newLocator(ai).Locate(cctx, page, corner, item, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestLocationStage_LocateAll(t *testing.T) {
	page := model.OCRPage{Width: 800, Height: 1000}
	var reqs []LocateRequest
	for i := 0; i < 20; i++ {
		reqs = append(reqs, LocateRequest{
			Page:    page,
			Segment: model.QuestionSegment{Index: i, Box: model.BBox{X: 0, Y: 40 * i, Width: 800, Height: 40}},
			Error:   model.ErrorItem{Description: fmt.Sprintf("error-%d", i)},
		})
	}
	ai := &scriptedAI{respond: func(_ int, p string) (string, error) {
		var i int
		for j := range 20 {
			if strings.Contains(p, fmt.Sprintf("error-%d\n", j)) {
				i = j
			}
		}
		return locAnswer(10, 40*i+5, 30, 20, 0.95), nil
	}}

	locs, err := newLocator(ai).LocateAll(context.Background(), reqs)
	if err != nil {
		t.Fatalf("LocateAll: %v", err)
	}
	if len(locs) != len(reqs) {
		t.Fatalf("got %d locations", len(locs))
	}
	for i, loc := range locs {
		if loc.Fallback || loc.Box.Y != 40*i+5 {
			t.Fatalf("location %d = %+v, results out of order", i, loc)
		}
	}
}
