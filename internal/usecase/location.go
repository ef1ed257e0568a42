package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/metrics"
)

const locationSystemPrompt = `You locate mistakes on images of student work.
Coordinates are absolute pixels of the full image, origin top-left.
Reply with a single JSON object and nothing else.`

type bboxPayload struct {
	X      flexInt `json:"x"`
	Y      flexInt `json:"y"`
	Width  flexInt `json:"width"`
	Height flexInt `json:"height"`
}

type locationPayload struct {
	BBox       *bboxPayload `json:"bbox"`
	Type       string       `json:"type"`
	Confidence flexFloat    `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// LocateRequest is one error to place on its page.
type LocateRequest struct {
	Page    model.OCRPage
	Segment model.QuestionSegment
	Error   model.ErrorItem
	Image   *model.Image
}

// LocationStage asks the reasoning service where an error sits and validates
// the answer against the page and the question region.
type LocationStage struct {
	ai     adapter.AIServiceAdapter
	model  string
	cfg    config.LocationConfig
	logger *zerolog.Logger
}

func NewLocationStage(ai adapter.AIServiceAdapter, modelName string, cfg config.LocationConfig, logger *zerolog.Logger) *LocationStage {
	l := logger.With().Str("component", "location").Logger()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MalformedRetries < 0 {
		cfg.MalformedRetries = 0
	}
	return &LocationStage{ai: ai, model: modelName, cfg: cfg, logger: &l}
}

// Locate always yields a location inside the page: anything the service
// cannot justify becomes the question-center fallback. Cancellation and
// resource exhaustion are returned as errors so the task can be retried later.
func (s *LocationStage) Locate(ctx context.Context, page model.OCRPage, seg model.QuestionSegment, item model.ErrorItem, img *model.Image) (model.ErrorLocation, error) {
	w, h := pageSize(page)
	msgs := s.messages(w, h, seg, item, img)

	for attempt := 0; attempt <= s.cfg.MalformedRetries; attempt++ {
		raw, _, err := s.ai.ChatWithUsage(ctx, s.model, msgs)
		if err != nil {
			if ctx.Err() != nil || domain.IsKind(err, domain.KindCancelled) || domain.IsKind(err, domain.KindResourceExhausted) {
				return model.ErrorLocation{}, err
			}
			s.logger.Warn().Err(err).Int("question", seg.Index).Msg("location call failed; using fallback")
			loc := s.fallback(seg, w, h, "service")
			loc.Unverified = true
			return loc, nil
		}
		var p locationPayload
		if err := decodeInto("locate", raw, &p, "bbox", "type", "confidence", "reasoning"); err != nil {
			s.logger.Warn().Err(err).Int("question", seg.Index).Int("attempt", attempt+1).Msg("unreadable location answer")
			continue
		}
		if p.BBox == nil {
			continue
		}
		return s.validate(p, seg, w, h), nil
	}
	return s.fallback(seg, w, h, "malformed"), nil
}

// LocateAll runs Locate for every request in parallel and joins the results
// in request order.
func (s *LocationStage) LocateAll(ctx context.Context, reqs []LocateRequest) ([]model.ErrorLocation, error) {
	out := make([]model.ErrorLocation, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, r := range reqs {
		g.Go(func() error {
			loc, err := s.Locate(gctx, r.Page, r.Segment, r.Error, r.Image)
			if err != nil {
				return err
			}
			out[i] = loc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// validate applies the confidence penalties and either accepts the box,
// intersected with the page, or substitutes the fallback.
func (s *LocationStage) validate(p locationPayload, seg model.QuestionSegment, w, h int) model.ErrorLocation {
	box := model.BBox{X: int(p.BBox.X), Y: int(p.BBox.Y), Width: int(p.BBox.Width), Height: int(p.BBox.Height)}
	conf := clamp01(float64(p.Confidence))

	if !box.Within(w, h) {
		conf *= s.cfg.OutOfBoundsPenalty
	}
	_, qy := seg.Box.Center()
	_, by := box.Center()
	if math.Abs(by-qy) > float64(seg.Box.Height)*s.cfg.DistanceHeightRatio {
		conf *= s.cfg.DistancePenalty
	}
	if box.Width < s.cfg.MinBoxSize || box.Height < s.cfg.MinBoxSize {
		conf *= s.cfg.SmallBoxPenalty
	}
	if float64(box.Width) > float64(w)*s.cfg.LargeBoxRatio || float64(box.Height) > float64(h)*s.cfg.LargeBoxRatio {
		conf *= s.cfg.LargeBoxPenalty
	}
	conf = clamp01(conf)

	if conf < s.cfg.MinConfidence {
		return s.fallback(seg, w, h, "low_confidence")
	}
	clamped := box.Clamp(w, h)
	if clamped.Empty() {
		return s.fallback(seg, w, h, "empty")
	}
	kind, _ := model.ParseAnnotationKind(strings.ToLower(strings.TrimSpace(p.Type)))
	return model.ErrorLocation{
		Box:        clamped,
		Kind:       kind,
		Confidence: conf,
		Reasoning:  strings.TrimSpace(p.Reasoning),
	}
}

// fallback is a fixed-size area box centered on the question, clamped to the page.
func (s *LocationStage) fallback(seg model.QuestionSegment, w, h int, cause string) model.ErrorLocation {
	metrics.IncLocationFallback(cause)
	cx, cy := seg.Box.Center()
	fw, fh := s.cfg.FallbackWidth, s.cfg.FallbackHeight
	box := model.BBox{X: int(cx) - fw/2, Y: int(cy) - fh/2, Width: fw, Height: fh}
	// Shift inside the page before clamping so the box keeps its size where possible.
	box.X = clampTo(box.X, 0, max(w-fw, 0))
	box.Y = clampTo(box.Y, 0, max(h-fh, 0))
	return model.ErrorLocation{
		Box:        box.Clamp(w, h),
		Kind:       model.AnnotationArea,
		Confidence: clamp01(s.cfg.FallbackConfidence),
		Reasoning:  "location could not be verified; marking the question center",
		Fallback:   true,
	}
}

func (s *LocationStage) messages(w, h int, seg model.QuestionSegment, item model.ErrorItem, img *model.Image) []adapter.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Image size: %dpx x %dpx\n", w, h)
	fmt.Fprintf(&b, "Question region: x=%d, y=%d, width=%d, height=%d\n\n", seg.Box.X, seg.Box.Y, seg.Box.Width, seg.Box.Height)
	fmt.Fprintf(&b, "Error type: %s\nError description: %s\n", item.Type, item.Description)
	if item.Snippet != "" {
		fmt.Fprintf(&b, "Related text: %s\n", item.Snippet)
	}
	b.WriteString(`
Find where this error appears and answer with:
{"bbox": {"x": <int>, "y": <int>, "width": <int>, "height": <int>},
 "type": "point|line|area",
 "confidence": <number between 0 and 1>,
 "reasoning": "<why this is the place>"}
The box must tightly enclose the mistake. If you cannot find it, set confidence below 0.5.`)
	return []adapter.Message{
		{Role: "system", Content: locationSystemPrompt},
		{Role: "user", Content: b.String(), Images: images(img)},
	}
}
