package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/infra/logging"
)

const gradingSystemPrompt = `You are an experienced teacher grading a student's work.
In one pass: grade the answer, explain every mistake, and write feedback.
Reply with a single JSON object and nothing else: no markdown, no commentary.`

var strictnessText = map[model.Strictness]string{
	model.StrictnessLoose:    "loose: tolerate minor slips, focus on the main idea",
	model.StrictnessStandard: "standard: grade by the usual classroom standard",
	model.StrictnessStrict:   "strict: every detail, unit and step counts",
}

const gradingShape = `{
  "score": <number between 0 and %s>,
  "confidence": <number between 0 and 1>,
  "errors": [
    {"type": "calculation|concept|method|format|other", "description": "...", "correct_answer": "...",
     "severity": "high|medium|low", "related_text": "<the wrong text as written>", "deduction": <number>}
  ],
  "overall_comment": "...",
  "strengths": ["..."],
  "weaknesses": ["..."],
  "suggestions": ["..."],
  "knowledge_points": ["..."]
}`

type errorPayload struct {
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	CorrectAnswer string    `json:"correct_answer"`
	Severity      string    `json:"severity"`
	RelatedText   string    `json:"related_text"`
	Deduction     flexFloat `json:"deduction"`
}

type gradingPayload struct {
	QuestionIndex   *flexInt       `json:"question_index,omitempty"`
	Score           flexFloat      `json:"score"`
	Confidence      flexFloat      `json:"confidence"`
	Errors          []errorPayload `json:"errors"`
	OverallComment  string         `json:"overall_comment"`
	Strengths       flexStrings    `json:"strengths"`
	Weaknesses      flexStrings    `json:"weaknesses"`
	Suggestions     flexStrings    `json:"suggestions"`
	KnowledgePoints flexStrings    `json:"knowledge_points"`
}

type batchPayload struct {
	Questions []json.RawMessage `json:"questions"`
}

// batchEntry decodes one question of a combined answer. An entry lacking any
// of the keys a single answer must carry is treated as absent.
func batchEntry(raw json.RawMessage) (gradingPayload, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return gradingPayload{}, false
	}
	if requireKeys(keys, "question_index", "score", "confidence", "errors") != nil {
		return gradingPayload{}, false
	}
	var p gradingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.QuestionIndex == nil || p.Errors == nil {
		return gradingPayload{}, false
	}
	return p, true
}

// GradingStage asks the reasoning service for score, errors and feedback in
// one call per question, or one call per batch of questions.
type GradingStage struct {
	ai          adapter.AIServiceAdapter
	model       string
	retries     int
	batchBudget int
	logger      *zerolog.Logger
}

func NewGradingStage(ai adapter.AIServiceAdapter, modelName string, cfg config.GradingConfig, logger *zerolog.Logger) *GradingStage {
	l := logger.With().Str("component", "grading").Logger()
	g := &GradingStage{ai: ai, model: modelName, retries: cfg.MalformedRetries, batchBudget: cfg.BatchTokenBudget, logger: &l}
	if g.retries < 0 {
		g.retries = 0
	}
	if g.batchBudget <= 0 {
		g.batchBudget = 6000
	}
	return g
}

// Grade grades one segment. An unreadable answer is retried, then degraded
// to a zero-confidence placeholder; only service failures are returned.
func (g *GradingStage) Grade(ctx context.Context, seg model.QuestionSegment, rubric model.GradingConfig, img *model.Image) (model.QuestionGrading, error) {
	defer logging.TraceDuration(g.logger, "GradingStage.Grade")()

	msgs := g.messages(rubric, []model.QuestionSegment{seg}, images(img), false)
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		raw, _, err := g.ai.ChatWithUsage(ctx, g.model, msgs)
		if err != nil {
			return model.QuestionGrading{}, err
		}
		var p gradingPayload
		if err := decodeInto("grade", raw, &p, "score", "confidence", "errors"); err != nil {
			lastErr = err
			g.logger.Warn().Err(err).Int("question", seg.Index).Int("attempt", attempt+1).Msg("unreadable grading answer")
			continue
		}
		return toQuestionGrading(seg, p), nil
	}
	g.logger.Warn().Err(lastErr).Int("question", seg.Index).Msg("grading degraded to placeholder")
	return degradedGrading(seg), nil
}

// GradeBatch grades several segments with as few combined calls as the token
// budget allows. Questions missing from a combined answer, and every question
// of an unreadable batch, are graded one by one.
func (g *GradingStage) GradeBatch(ctx context.Context, segs []model.QuestionSegment, rubric model.GradingConfig, imgs map[string]model.Image) ([]model.QuestionGrading, error) {
	defer logging.TraceDuration(g.logger, "GradingStage.GradeBatch")()

	out := make([]model.QuestionGrading, 0, len(segs))
	for _, chunk := range g.chunk(ctx, segs, rubric) {
		res, err := g.gradeChunk(ctx, chunk, rubric, imgs)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

func (g *GradingStage) gradeChunk(ctx context.Context, chunk []model.QuestionSegment, rubric model.GradingConfig, imgs map[string]model.Image) ([]model.QuestionGrading, error) {
	if len(chunk) == 1 {
		q, err := g.Grade(ctx, chunk[0], rubric, imageFor(imgs, chunk[0].SourceRef))
		if err != nil {
			return nil, err
		}
		return []model.QuestionGrading{q}, nil
	}

	msgs := g.messages(rubric, chunk, pageImages(chunk, imgs), true)
	byIndex := map[int]gradingPayload{}
	for attempt := 0; attempt <= g.retries; attempt++ {
		raw, _, err := g.ai.ChatWithUsage(ctx, g.model, msgs)
		if err != nil {
			return nil, err
		}
		var p batchPayload
		if err := decodeInto("grade_batch", raw, &p, "questions"); err != nil {
			g.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("unreadable batch answer")
			continue
		}
		for _, entry := range p.Questions {
			q, ok := batchEntry(entry)
			if !ok {
				continue
			}
			byIndex[int(*q.QuestionIndex)] = q
		}
		break
	}

	out := make([]model.QuestionGrading, 0, len(chunk))
	for _, seg := range chunk {
		if p, ok := byIndex[seg.Index]; ok {
			out = append(out, toQuestionGrading(seg, p))
			continue
		}
		q, err := g.Grade(ctx, seg, rubric, imageFor(imgs, seg.SourceRef))
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// chunk splits segments greedily so each combined prompt stays within budget.
func (g *GradingStage) chunk(ctx context.Context, segs []model.QuestionSegment, rubric model.GradingConfig) [][]model.QuestionSegment {
	if len(segs) == 0 {
		return nil
	}
	header := g.countTokens(ctx, g.messages(rubric, nil, nil, true))
	var chunks [][]model.QuestionSegment
	var cur []model.QuestionSegment
	used := header
	for _, seg := range segs {
		cost := g.countTokens(ctx, []adapter.Message{{Role: "user", Content: segmentBlock(seg)}})
		if len(cur) > 0 && used+cost > g.batchBudget {
			chunks = append(chunks, cur)
			cur, used = nil, header
		}
		cur = append(cur, seg)
		used += cost
	}
	return append(chunks, cur)
}

func (g *GradingStage) countTokens(ctx context.Context, msgs []adapter.Message) int {
	n, err := g.ai.CountTokens(ctx, g.model, msgs)
	if err == nil && n > 0 {
		return n
	}
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4
	}
	return total
}

func (g *GradingStage) messages(rubric model.GradingConfig, segs []model.QuestionSegment, imgs []model.Image, batch bool) []adapter.Message {
	var b strings.Builder
	strict := strictnessText[rubric.Strictness]
	if strict == "" {
		strict = strictnessText[model.StrictnessStandard]
	}
	fmt.Fprintf(&b, "Strictness: %s\n", strict)
	if rubric.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", rubric.Subject)
	}
	if r := strings.TrimSpace(rubric.Rubric); r != "" {
		fmt.Fprintf(&b, "Rubric:\n%s\n", r)
	} else {
		b.WriteString("Rubric: none given; judge correctness from the task itself.\n")
	}

	if batch {
		b.WriteString("\nGrade each question below independently. Each question's maximum score is given with it.\n")
		b.WriteString(`Answer as {"questions": [<one object per question, with "question_index" set>]} where each object is:` + "\n")
		fmt.Fprintf(&b, gradingShape, "its maximum score")
	} else if len(segs) == 1 {
		fmt.Fprintf(&b, "\nMaximum score: %s\n", formatScore(segs[0].MaxScore))
		b.WriteString("Answer with:\n")
		fmt.Fprintf(&b, gradingShape, formatScore(segs[0].MaxScore))
	}
	b.WriteString("\n")
	for _, s := range segs {
		b.WriteString("\n")
		b.WriteString(segmentBlock(s))
	}

	return []adapter.Message{
		{Role: "system", Content: gradingSystemPrompt},
		{Role: "user", Content: b.String(), Images: imgs},
	}
}

func segmentBlock(s model.QuestionSegment) string {
	text := strings.TrimSpace(s.Text)
	if text == "" {
		text = "(no text recognized; read the answer from the image)"
	}
	return fmt.Sprintf("[question_index=%d, number=%s, page=%d, region x=%d y=%d w=%d h=%d, max score %s]\n%s\n",
		s.Index, s.Number, s.PageIndex, s.Box.X, s.Box.Y, s.Box.Width, s.Box.Height, formatScore(s.MaxScore), text)
}

func toQuestionGrading(seg model.QuestionSegment, p gradingPayload) model.QuestionGrading {
	score := clampRange(float64(p.Score), 0, seg.MaxScore)
	errs := make([]model.ErrorItem, 0, len(p.Errors))
	for _, e := range p.Errors {
		desc := strings.TrimSpace(e.Description)
		if desc == "" && strings.TrimSpace(e.Type) == "" {
			continue
		}
		errs = append(errs, model.ErrorItem{
			Type:          strings.TrimSpace(e.Type),
			Description:   desc,
			CorrectAnswer: strings.TrimSpace(e.CorrectAnswer),
			Severity:      model.ParseSeverity(e.Severity),
			Snippet:       strings.TrimSpace(e.RelatedText),
			Deduction:     math.Max(0, float64(e.Deduction)),
		})
	}
	return model.QuestionGrading{
		QuestionIndex:  seg.Index,
		QuestionNumber: seg.Number,
		PageIndex:      seg.PageIndex,
		Box:            seg.Box,
		Score:          roundScore(score),
		MaxScore:       seg.MaxScore,
		Confidence:     clamp01(float64(p.Confidence)),
		Status:         model.StatusFor(score, seg.MaxScore),
		Errors:         errs,
		Feedback: model.Feedback{
			OverallComment:  strings.TrimSpace(p.OverallComment),
			Strengths:       nonEmpty(p.Strengths),
			Weaknesses:      nonEmpty(p.Weaknesses),
			Suggestions:     nonEmpty(p.Suggestions),
			KnowledgePoints: nonEmpty(p.KnowledgePoints),
		},
	}
}

func degradedGrading(seg model.QuestionSegment) model.QuestionGrading {
	return model.QuestionGrading{
		QuestionIndex:  seg.Index,
		QuestionNumber: seg.Number,
		PageIndex:      seg.PageIndex,
		Box:            seg.Box,
		Score:          0,
		MaxScore:       seg.MaxScore,
		Confidence:     0,
		Status:         model.QuestionError,
		Errors:         []model.ErrorItem{},
		Feedback:       model.Feedback{OverallComment: "Automatic grading could not read this answer; manual review needed."},
		Degraded:       true,
	}
}

func images(img *model.Image) []model.Image {
	if img == nil {
		return nil
	}
	return []model.Image{*img}
}

func imageFor(imgs map[string]model.Image, ref string) *model.Image {
	if img, ok := imgs[ref]; ok {
		return &img
	}
	return nil
}

func pageImages(segs []model.QuestionSegment, imgs map[string]model.Image) []model.Image {
	seen := map[string]bool{}
	var out []model.Image
	for _, s := range segs {
		if seen[s.SourceRef] {
			continue
		}
		seen[s.SourceRef] = true
		if img, ok := imgs[s.SourceRef]; ok {
			out = append(out, img)
		}
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampRange(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

func roundScore(v float64) float64 { return math.Round(v*100) / 100 }

func formatScore(v float64) string {
	return strconv.FormatFloat(roundScore(v), 'f', -1, 64)
}
