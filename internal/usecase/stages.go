package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
)

// PipelineDeps are the collaborators of the grading stages.
type PipelineDeps struct {
	Images    adapter.ImageStore
	OCR       adapter.OCREngine
	Cache     repository.CacheStore
	CacheTTL  time.Duration
	Assessor  *ComplexityAssessor
	Segmenter *SegmentationStage
	Grader    *GradingStage
	Locator   *LocationStage
	// LocateSeverity maps execution mode to the minimum severity that gets located.
	LocateSeverity map[string]string
}

// NewGradingPipeline wires every stage into an orchestrator.
func NewGradingPipeline(d PipelineDeps, publisher adapter.ProgressPublisher, logger *zerolog.Logger) *Orchestrator {
	stages := []Stage{
		NewCacheCheckStage(d.Images, d.OCR, d.Cache, d.Assessor, d.LocateSeverity, logger),
		&hitDoneStage{now: time.Now},
		&segmentStage{seg: d.Segmenter},
		&gradeStage{grader: d.Grader},
		&locateStage{locator: d.Locator},
		NewAssembleStage(d.Cache, d.CacheTTL, logger),
	}
	return NewOrchestrator(stages, publisher, logger)
}

// ---- cache check ----

// CacheCheckStage fetches the images, runs OCR once per page, looks the text
// up in the result cache and, on a miss, plans the execution.
type CacheCheckStage struct {
	images      adapter.ImageStore
	ocr         adapter.OCREngine
	cache       repository.CacheStore
	assessor    *ComplexityAssessor
	minSeverity map[model.ExecutionMode]model.Severity
	fetchLimit  int
	logger      *zerolog.Logger
}

func NewCacheCheckStage(images adapter.ImageStore, ocr adapter.OCREngine, cache repository.CacheStore,
	assessor *ComplexityAssessor, locateSeverity map[string]string, logger *zerolog.Logger) *CacheCheckStage {
	l := logger.With().Str("component", "cache_check").Logger()
	table := map[model.ExecutionMode]model.Severity{
		model.ModeFast:     model.SeverityHigh,
		model.ModeStandard: model.SeverityMedium,
		model.ModeFull:     model.SeverityLow,
	}
	for mode, sev := range locateSeverity {
		table[model.ExecutionMode(strings.ToLower(mode))] = model.ParseSeverity(sev)
	}
	return &CacheCheckStage{
		images:      images,
		ocr:         ocr,
		cache:       cache,
		assessor:    assessor,
		minSeverity: table,
		fetchLimit:  4,
		logger:      &l,
	}
}

func (s *CacheCheckStage) Name() model.Stage { return model.StageCacheCheck }

func (s *CacheCheckStage) Run(ctx context.Context, st *model.GradingState, p Progress) error {
	sub := st.Submission
	pre, err := s.preprocess(ctx, sub)
	if err != nil {
		return err
	}
	st.Preprocess = pre
	p(10, fmt.Sprintf("text extracted from %d page(s)", len(pre.Pages)))

	out := &model.CacheOutput{}
	if pre.CacheText != "" {
		out.Hash = model.ContentHash(pre.CacheText)
		if entry, ok := s.cache.Lookup(ctx, pre.CacheText); ok {
			res := entry.Result
			out.Hit, out.Result = true, &res
			st.Cache = out
			s.logger.Info().Str("submission_id", sub.ID).Str("hash", out.Hash).Msg("cache hit")
			return nil
		}
	}
	st.Cache = out

	textLen := utf8.RuneCountInString(pre.Text)
	rep := s.assessor.Assess(model.ComplexityInput{
		ImageCount:    len(pre.Pages),
		TextLength:    textLen,
		QuestionCount: EstimateQuestionCount(CountMarkers(pre.Pages), textLen),
		HasImages:     sub.HasFigures,
		Subject:       sub.Subject,
		OCRRequired:   pre.OCRRequired,
	})
	mode := s.assessor.ResolveMode(sub.ExecutionMode, rep)
	st.Plan = &model.ExecutionPlan{
		Mode:              mode,
		Complexity:        rep,
		BatchGrading:      mode == model.ModeFast,
		MinLocateSeverity: s.severityFor(mode),
	}
	s.logger.Debug().
		Str("submission_id", sub.ID).
		Int("score", rep.Score).
		Str("level", string(rep.Level)).
		Str("mode", string(mode)).
		Msg("execution planned")
	return nil
}

func (s *CacheCheckStage) severityFor(mode model.ExecutionMode) model.Severity {
	if sev, ok := s.minSeverity[mode]; ok {
		return sev
	}
	return model.SeverityMedium
}

func (s *CacheCheckStage) preprocess(ctx context.Context, sub model.Submission) (*model.PreprocessOutput, error) {
	pages := make([]model.OCRPage, len(sub.Images))
	imgs := make([]model.Image, len(sub.Images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchLimit)
	for i, ref := range sub.Images {
		g.Go(func() error {
			page, img, err := s.page(gctx, i, ref)
			if err != nil {
				return err
			}
			pages[i], imgs[i] = page, img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &model.PreprocessOutput{
		Pages:       pages,
		Images:      make(map[string]model.Image, len(imgs)),
		OCRRequired: s.ocr != nil && s.ocr.Name() != "none",
	}
	texts := make([]string, 0, len(pages))
	unread := 0
	for i, pg := range pages {
		out.Images[pg.ImageRef] = imgs[i]
		if pg.Failed {
			unread++
		}
		if t := pg.Text(); t != "" {
			texts = append(texts, t)
		}
	}
	out.Text = strings.Join(texts, "\n\n")
	// The text of a partly unread submission does not identify its content.
	switch {
	case unread > 0:
		s.logger.Info().Str("submission_id", sub.ID).Int("unread_pages", unread).Msg("ocr incomplete; cache bypassed")
	case strings.TrimSpace(out.Text) != "":
		out.CacheText = cacheKeyText(out.Text, sub.GradingConfig())
	}
	return out, nil
}

// page fetches one image and extracts its layout. An OCR failure only marks
// the page; an image that cannot be fetched fails the submission.
func (s *CacheCheckStage) page(ctx context.Context, index int, ref string) (model.OCRPage, model.Image, error) {
	page := model.OCRPage{Index: index, ImageRef: ref}
	img, err := s.images.Fetch(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return page, model.Image{}, ctx.Err()
		}
		kind := domain.KindValidation
		if k := domain.KindOf(err); k == domain.KindTransient || k == domain.KindResourceExhausted {
			kind = k
		}
		return page, model.Image{}, &domain.Error{
			Kind:   kind,
			Op:     "fetch_image",
			Reason: domain.Reason(domain.ErrImageUnavailable),
			Err:    fmt.Errorf("%w: %s: %v", domain.ErrImageUnavailable, ref, err),
		}
	}
	if img.Ref == "" {
		img.Ref = ref
	}
	if img.HasData() {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data)); err == nil {
			page.Width, page.Height = cfg.Width, cfg.Height
		}
	}
	if s.ocr == nil {
		return page, img, nil
	}

	res, err := s.ocr.Recognize(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return page, img, ctx.Err()
		}
		s.logger.Warn().Err(err).Int("page", index).Str("engine", s.ocr.Name()).Msg("ocr failed; page kept without text")
		page.Failed = true
		return page, img, nil
	}
	page.Lines = res.Lines
	if page.Width == 0 || page.Height == 0 {
		page.Width, page.Height = res.Width, res.Height
	}
	return page, img, nil
}

// cacheKeyText binds the extracted text to the grading instructions, so the
// same answers graded under another rubric never share an entry.
func cacheKeyText(text string, cfg model.GradingConfig) string {
	return fmt.Sprintf("%s\n[rubric] %s\n[strictness] %s\n[max] %s\n[subject] %s",
		text, cfg.Rubric, cfg.Strictness, formatScore(cfg.MaxScore), cfg.Subject)
}

// ---- cache hit ----

type hitDoneStage struct {
	now func() time.Time
}

func (s *hitDoneStage) Name() model.Stage { return model.StageHitDone }

func (s *hitDoneStage) Run(_ context.Context, st *model.GradingState, _ Progress) error {
	if st.Cache == nil || st.Cache.Result == nil {
		return domain.E(domain.KindInternal, "hit_done", fmt.Errorf("cache hit without a result"))
	}
	now := s.now()
	res := st.Cache.Result.Reused(st.Submission.ID, st.Submission.AssignmentID, now.Sub(st.StartedAt), now)
	st.Result = &res
	return nil
}

// ---- segmentation ----

type segmentStage struct {
	seg *SegmentationStage
}

func (s *segmentStage) Name() model.Stage { return model.StageSegmenting }

func (s *segmentStage) Run(ctx context.Context, st *model.GradingState, p Progress) error {
	pages := st.Preprocess.Pages
	segs, err := s.seg.Segment(ctx, pages)
	fellBack := false
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.seg.logger.Warn().Err(err).Msg("segmentation failed; one segment per page")
		segs, fellBack = s.seg.FallbackSegments(pages), true
	}
	if len(segs) == 0 {
		return domain.E(domain.KindInternal, "segment", fmt.Errorf("no segments for %d page(s)", len(pages)))
	}
	per := st.Submission.MaxScore / float64(len(segs))
	for i := range segs {
		segs[i].MaxScore = per
	}
	st.Segmentation = &model.SegmentationOutput{Segments: segs, FellBack: fellBack}
	p(40, fmt.Sprintf("found %d question(s)", len(segs)))
	return nil
}

// ---- grading ----

type gradeStage struct {
	grader *GradingStage
}

func (s *gradeStage) Name() model.Stage { return model.StageGrading }

func (s *gradeStage) Run(ctx context.Context, st *model.GradingState, p Progress) error {
	segs := st.Segmentation.Segments
	rubric := st.Submission.GradingConfig()

	if st.Plan != nil && st.Plan.BatchGrading && len(segs) > 1 {
		qs, err := s.grader.GradeBatch(ctx, segs, rubric, st.Preprocess.Images)
		if err != nil {
			return err
		}
		st.Grading = &model.GradingOutput{Questions: qs}
		p(70, fmt.Sprintf("graded %d question(s)", len(qs)))
		return nil
	}

	qs := make([]model.QuestionGrading, 0, len(segs))
	for i, seg := range segs {
		q, err := s.grader.Grade(ctx, seg, rubric, st.Preprocess.Image(seg.SourceRef))
		if err != nil {
			return err
		}
		qs = append(qs, q)
		p(50+20*(i+1)/len(segs), fmt.Sprintf("graded question %d of %d", i+1, len(segs)))
	}
	st.Grading = &model.GradingOutput{Questions: qs}
	return nil
}

// ---- location ----

type locateStage struct {
	locator *LocationStage
}

func (s *locateStage) Name() model.Stage { return model.StageLocating }

func (s *locateStage) Run(ctx context.Context, st *model.GradingState, p Progress) error {
	segs := make(map[int]model.QuestionSegment, len(st.Segmentation.Segments))
	for _, seg := range st.Segmentation.Segments {
		segs[seg.Index] = seg
	}
	pages := make(map[int]model.OCRPage, len(st.Preprocess.Pages))
	for _, pg := range st.Preprocess.Pages {
		pages[pg.Index] = pg
	}

	var reqs []LocateRequest
	for _, q := range st.Grading.Questions {
		seg, ok := segs[q.QuestionIndex]
		if !ok {
			continue
		}
		for _, e := range q.Errors {
			if !e.Severity.AtLeast(st.Plan.MinLocateSeverity) {
				continue
			}
			reqs = append(reqs, LocateRequest{
				Page:    pages[seg.PageIndex],
				Segment: seg,
				Error:   e,
				Image:   st.Preprocess.Image(seg.SourceRef),
			})
		}
	}

	locs, err := s.locator.LocateAll(ctx, reqs)
	if err != nil {
		return err
	}
	anns := make([]model.Annotation, len(reqs))
	for i, r := range reqs {
		anns[i] = model.Annotation{
			QuestionIndex: r.Segment.Index,
			PageIndex:     r.Segment.PageIndex,
			ImageRef:      r.Segment.SourceRef,
			Error:         r.Error,
			Location:      locs[i],
		}
	}
	st.Location = &model.LocationOutput{Annotations: anns}
	p(90, fmt.Sprintf("located %d error(s)", len(anns)))
	return nil
}

// ---- assembly ----

// AssembleStage builds the submission result and stores it in the cache.
type AssembleStage struct {
	cache  repository.CacheStore
	ttl    time.Duration
	now    func() time.Time
	logger *zerolog.Logger
}

func NewAssembleStage(cache repository.CacheStore, ttl time.Duration, logger *zerolog.Logger) *AssembleStage {
	l := logger.With().Str("component", "assemble").Logger()
	return &AssembleStage{cache: cache, ttl: ttl, now: time.Now, logger: &l}
}

func (s *AssembleStage) Name() model.Stage { return model.StageAssembling }

func (s *AssembleStage) Run(ctx context.Context, st *model.GradingState, _ Progress) error {
	now := s.now()
	res := Assemble(st, now)
	st.Result = &res

	text := ""
	if st.Preprocess != nil {
		text = st.Preprocess.CacheText
	}
	switch {
	case text == "":
		s.logger.Debug().Str("submission_id", res.SubmissionID).Msg("no text; result not cached")
	case res.Degraded():
		s.logger.Info().Str("submission_id", res.SubmissionID).Msg("degraded result not cached")
	default:
		if err := s.cache.Store(ctx, text, res, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("submission_id", res.SubmissionID).Msg("cache store failed")
		}
	}
	return nil
}

// Assemble aggregates per-question gradings and annotations into the
// submission result.
func Assemble(st *model.GradingState, now time.Time) model.GradingResult {
	sub := st.Submission
	res := model.GradingResult{
		SubmissionID:     sub.ID,
		AssignmentID:     sub.AssignmentID,
		MaxScore:         sub.MaxScore,
		Questions:        []model.QuestionGrading{},
		Errors:           []model.ErrorItem{},
		Annotations:      []model.Annotation{},
		ProcessingTimeMs: now.Sub(st.StartedAt).Milliseconds(),
		CompletedAt:      now,
	}
	if st.Plan != nil {
		rep := st.Plan.Complexity
		res.Complexity = &rep
		res.ExecutionMode = st.Plan.Mode
	}
	if st.Grading != nil {
		res.Questions = append(res.Questions, st.Grading.Questions...)
	}
	if st.Location != nil {
		res.Annotations = append(res.Annotations, st.Location.Annotations...)
	}

	var sum, conf float64
	var comments []string
	var fb model.Feedback
	for _, q := range res.Questions {
		sum += q.Score
		conf += q.Confidence
		res.Errors = append(res.Errors, q.Errors...)
		if c := strings.TrimSpace(q.Feedback.OverallComment); c != "" {
			comments = append(comments, fmt.Sprintf("Q%s: %s", q.QuestionNumber, c))
		}
		fb.Strengths = mergeUnique(fb.Strengths, q.Feedback.Strengths)
		fb.Weaknesses = mergeUnique(fb.Weaknesses, q.Feedback.Weaknesses)
		fb.Suggestions = mergeUnique(fb.Suggestions, q.Feedback.Suggestions)
		fb.KnowledgePoints = mergeUnique(fb.KnowledgePoints, q.Feedback.KnowledgePoints)
	}
	res.Score = roundScore(clampRange(sum, 0, sub.MaxScore))
	if n := len(res.Questions); n > 0 {
		res.Confidence = clamp01(conf / float64(n))
	}
	summary := fmt.Sprintf("Scored %s out of %s.", formatScore(res.Score), formatScore(res.MaxScore))
	fb.OverallComment = strings.TrimSpace(summary + " " + strings.Join(comments, " "))
	res.Feedback = fb
	return res
}

// mergeUnique appends the entries of add not already present in dst,
// comparing case-insensitively.
func mergeUnique(dst, add []string) []string {
	if dst == nil {
		dst = []string{}
	}
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range add {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		dst = append(dst, strings.TrimSpace(s))
	}
	return dst
}
