package model

import "strings"

// BBox is an axis-aligned box in source-image pixel space.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (b BBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

func (b BBox) Area() int { return b.Width * b.Height }

func (b BBox) Empty() bool { return b.Width <= 0 || b.Height <= 0 }

// Within reports whether b lies fully inside a w x h image.
func (b BBox) Within(w, h int) bool {
	return b.X >= 0 && b.Y >= 0 && b.Width >= 0 && b.Height >= 0 &&
		b.X+b.Width <= w && b.Y+b.Height <= h
}

// Clamp intersects b with the w x h image. The result may be empty.
func (b BBox) Clamp(w, h int) BBox {
	w, h = max(w, 0), max(h, 0)
	x0, y0 := clampInt(b.X, 0, w), clampInt(b.Y, 0, h)
	x1, y1 := clampInt(b.X+b.Width, x0, w), clampInt(b.Y+b.Height, y0, h)
	return BBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OCRLine is one recognized text line.
type OCRLine struct {
	Text       string  `json:"text"`
	Box        BBox    `json:"box"`
	Confidence float64 `json:"confidence"`
}

// OCRPage is the OCR output for one submitted image.
type OCRPage struct {
	Index    int       `json:"index"`
	ImageRef string    `json:"imageRef"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Lines    []OCRLine `json:"lines"`
	// Failed is set when OCR could not run; Lines is then empty.
	Failed bool `json:"failed,omitempty"`
}

func (p OCRPage) Text() string {
	parts := make([]string, 0, len(p.Lines))
	for _, l := range p.Lines {
		if t := strings.TrimSpace(l.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func (p OCRPage) Bounds() BBox { return BBox{Width: p.Width, Height: p.Height} }

// QuestionSegment is one detected question region with its text.
type QuestionSegment struct {
	Index      int     `json:"questionIndex"`
	Number     string  `json:"questionNumber"`
	PageIndex  int     `json:"pageIndex"`
	Box        BBox    `json:"bbox"`
	ImageRef   string  `json:"imageRef"`
	SourceRef  string  `json:"sourceRef"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	MaxScore   float64 `json:"maxScore"`
	Fallback   bool    `json:"fallback,omitempty"`
}
