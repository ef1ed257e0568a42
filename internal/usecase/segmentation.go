package usecase

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

// Leading-token patterns of a question marker; the first capture is the number.
var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?i:question|problem|exercise|task|q)\s*\.?\s*(\d{1,3})\b`),
	regexp.MustCompile(`^第\s*([0-9一二三四五六七八九十]+)\s*[题題]`),
	regexp.MustCompile(`^[(（]\s*(\d{1,3})\s*[)）]`),
	regexp.MustCompile(`^(\d{1,3})\s*[.、)](?:[^\d]|$)`),
	regexp.MustCompile(`^([一二三四五六七八九十]+)\s*[.、)]`),
	regexp.MustCompile(`^(?i:(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth))\s*[,.:)]`),
}

// Marker is a recognized line that starts a new question.
type Marker struct {
	Number string
	Line   model.OCRLine
}

// DetectMarkers returns the page's question markers ordered top to bottom.
func DetectMarkers(page model.OCRPage) []Marker {
	var out []Marker
	for _, ln := range page.Lines {
		text := strings.TrimSpace(ln.Text)
		if text == "" {
			continue
		}
		for _, re := range markerPatterns {
			if m := re.FindStringSubmatch(text); m != nil {
				out = append(out, Marker{Number: strings.ToLower(m[1]), Line: ln})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line.Box.Y < out[j].Line.Box.Y })
	return out
}

// CountMarkers is the question-count estimate over all pages.
func CountMarkers(pages []model.OCRPage) int {
	n := 0
	for _, p := range pages {
		n += len(DetectMarkers(p))
	}
	return n
}

// SegmentationStage splits OCR pages into per-question segments.
type SegmentationStage struct {
	padding      int
	fallbackConf float64
	logger       *zerolog.Logger
}

func NewSegmentationStage(logger *zerolog.Logger) *SegmentationStage {
	l := logger.With().Str("component", "segmentation").Logger()
	return &SegmentationStage{padding: 10, fallbackConf: 0.5, logger: &l}
}

// Segment never returns zero segments for a non-empty page list: a page
// without markers becomes one whole-image segment.
func (s *SegmentationStage) Segment(ctx context.Context, pages []model.OCRPage) ([]model.QuestionSegment, error) {
	if len(pages) == 0 {
		return nil, domain.Validation("segment", fmt.Errorf("%w: no pages", domain.ErrInvalidArgument))
	}
	var out []model.QuestionSegment
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		markers := DetectMarkers(page)
		if page.Failed || len(markers) == 0 {
			s.logger.Debug().Int("page", page.Index).Bool("ocr_failed", page.Failed).Msg("no question markers; whole page segment")
			out = append(out, s.wholePage(page, len(out)))
			continue
		}
		w, h := pageSize(page)
		for i, m := range markers {
			startY := m.Line.Box.Y
			endY := h
			if i+1 < len(markers) {
				endY = markers[i+1].Line.Box.Y
			}
			box := model.BBox{X: 0, Y: startY - s.padding, Width: w, Height: endY - startY + s.padding}.Clamp(w, h)
			if box.Empty() {
				box = model.BBox{X: 0, Y: clampTo(startY, 0, max(h-1, 0)), Width: w, Height: min(1, h)}.Clamp(w, h)
			}
			out = append(out, model.QuestionSegment{
				Index:      len(out),
				Number:     m.Number,
				PageIndex:  page.Index,
				Box:        box,
				ImageRef:   CropRef(page.ImageRef, box),
				SourceRef:  page.ImageRef,
				Text:       linesBetween(page.Lines, startY, endY),
				Confidence: clamp01(m.Line.Confidence),
			})
		}
	}
	return out, nil
}

// FallbackSegments is one whole-image segment per page.
func (s *SegmentationStage) FallbackSegments(pages []model.OCRPage) []model.QuestionSegment {
	out := make([]model.QuestionSegment, 0, len(pages))
	for _, p := range pages {
		out = append(out, s.wholePage(p, len(out)))
	}
	return out
}

func (s *SegmentationStage) wholePage(page model.OCRPage, index int) model.QuestionSegment {
	w, h := pageSize(page)
	box := model.BBox{Width: w, Height: h}
	return model.QuestionSegment{
		Index:      index,
		Number:     fmt.Sprintf("%d", index+1),
		PageIndex:  page.Index,
		Box:        box,
		ImageRef:   page.ImageRef,
		SourceRef:  page.ImageRef,
		Text:       page.Text(),
		Confidence: s.fallbackConf,
		Fallback:   true,
	}
}

// CropRef addresses a region of an image with a media fragment.
func CropRef(ref string, b model.BBox) string {
	if ref == "" {
		return ""
	}
	base, _, _ := strings.Cut(ref, "#")
	return fmt.Sprintf("%s#xywh=%d,%d,%d,%d", base, b.X, b.Y, b.Width, b.Height)
}

// pageSize falls back to the extent of recognized lines when the image
// dimensions are unknown.
func pageSize(p model.OCRPage) (int, int) {
	w, h := p.Width, p.Height
	if w > 0 && h > 0 {
		return w, h
	}
	for _, l := range p.Lines {
		w = max(w, l.Box.X+l.Box.Width)
		h = max(h, l.Box.Y+l.Box.Height)
	}
	return max(w, 1), max(h, 1)
}

func linesBetween(lines []model.OCRLine, startY, endY int) string {
	var parts []string
	for _, l := range lines {
		if l.Box.Y < startY || l.Box.Y >= endY {
			continue
		}
		if t := strings.TrimSpace(l.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampTo(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
