//go:build !integration

package usecase

import (
	"context"
	"strings"
	"testing"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

func pageFrom(index int, ref string, lines ...string) model.OCRPage {
	res := ocrPage(lines...)
	return model.OCRPage{Index: index, ImageRef: ref, Width: res.Width, Height: res.Height, Lines: res.Lines}
}

func TestDetectMarkers(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"1. Solve x + 1 = 2", "1"},
		{"Question 4: explain", "4"},
		{"Q12) prove it", "12"},
		{"第3题 计算", "3"},
		{"（2）求值", "2"},
		{"二、填空题", "二"},
		{"Second, the derivation", "second"},
		{"3.5 is the answer", ""},
		{"x = 1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ms := DetectMarkers(pageFrom(0, "p", tt.line))
			switch {
			case tt.want == "" && len(ms) != 0:
				t.Fatalf("unexpected marker %q", ms[0].Number)
			case tt.want != "" && (len(ms) != 1 || ms[0].Number != tt.want):
				t.Fatalf("markers = %+v, want %q", ms, tt.want)
			}
		})
	}
}

func TestSegmentationStage_Segment(t *testing.T) {
	s := NewSegmentationStage(newTestLogger())
	pages := []model.OCRPage{
		pageFrom(0, "img://1", "1. Solve x+1=2", "x = 1", "2. Compute 3*4", "12"),
		pageFrom(1, "img://2", "some notes without numbering", "more notes"),
	}

	segs, err := s.Segment(context.Background(), pages)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}

	t.Run("marked questions", func(t *testing.T) {
		if segs[0].Number != "1" || segs[1].Number != "2" {
			t.Fatalf("numbers = %q, %q", segs[0].Number, segs[1].Number)
		}
		if !strings.Contains(segs[0].Text, "x = 1") || strings.Contains(segs[0].Text, "Compute") {
			t.Fatalf("segment 1 text = %q", segs[0].Text)
		}
		if segs[0].Box.Y+segs[0].Box.Height > segs[1].Box.Y+s.padding {
			t.Fatalf("segment 1 %+v overlaps segment 2 %+v beyond padding", segs[0].Box, segs[1].Box)
		}
		if !strings.HasPrefix(segs[0].ImageRef, "img://1#xywh=") || segs[0].SourceRef != "img://1" {
			t.Fatalf("refs = %q / %q", segs[0].ImageRef, segs[0].SourceRef)
		}
	})

	t.Run("page without markers is one segment", func(t *testing.T) {
		last := segs[2]
		if !last.Fallback || last.PageIndex != 1 {
			t.Fatalf("segment = %+v, want whole-page fallback of page 1", last)
		}
		if last.Box != (model.BBox{Width: 800, Height: 1000}) {
			t.Fatalf("box = %+v, want the whole page", last.Box)
		}
	})

	t.Run("invariants", func(t *testing.T) {
		for i, seg := range segs {
			if seg.Index != i {
				t.Fatalf("segment %d has index %d", i, seg.Index)
			}
			if !seg.Box.Within(800, 1000) || seg.Box.Empty() {
				t.Fatalf("segment %d box %+v outside the page", i, seg.Box)
			}
			if seg.Confidence < 0 || seg.Confidence > 1 {
				t.Fatalf("segment %d confidence %v", i, seg.Confidence)
			}
		}
	})
}

func TestSegmentationStage_FailedOCRPage(t *testing.T) {
	s := NewSegmentationStage(newTestLogger())
	pages := []model.OCRPage{{Index: 0, ImageRef: "img://x", Width: 640, Height: 480, Failed: true}}

	segs, err := s.Segment(context.Background(), pages)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(segs) != 1 || !segs[0].Fallback || segs[0].Box != (model.BBox{Width: 640, Height: 480}) {
		t.Fatalf("segments = %+v", segs)
	}
}

func TestSegmentationStage_NoPages(t *testing.T) {
	s := NewSegmentationStage(newTestLogger())
	_, err := s.Segment(context.Background(), nil)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCropRef(t *testing.T) {
	got := CropRef("s3://bucket/a.png#old", model.BBox{X: 1, Y: 2, Width: 3, Height: 4})
	if got != "s3://bucket/a.png#xywh=1,2,3,4" {
		t.Fatalf("CropRef = %q", got)
	}
	if CropRef("", model.BBox{}) != "" {
		t.Fatal("empty ref should stay empty")
	}
}
