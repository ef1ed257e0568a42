//go:build !integration

// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// ---- AI ----

// scriptedAI answers each chat call with respond; calls are recorded.
type scriptedAI struct {
	mu      sync.Mutex
	calls   []string
	respond func(call int, prompt string) (string, error)
}

var _ adapter.AIServiceAdapter = (*scriptedAI)(nil)

func (s *scriptedAI) Name() string { return "scripted" }

func (s *scriptedAI) CountTokens(ctx context.Context, model string, msgs []adapter.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		n += len(m.Content) / 4
	}
	return n, nil
}

func (s *scriptedAI) ChatWithUsage(ctx context.Context, model string, msgs []adapter.Message) (string, adapter.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", adapter.Usage{}, err
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	prompt := b.String()
	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	n := len(s.calls)
	s.mu.Unlock()
	out, err := s.respond(n, prompt)
	return out, adapter.Usage{PromptTokens: len(prompt) / 4, CompletionTokens: len(out) / 4}, err
}

func (s *scriptedAI) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func isLocatePrompt(p string) bool { return strings.Contains(p, "Error type:") }
func isBatchPrompt(p string) bool  { return strings.Contains(p, `{"questions"`) }

// ---- images / OCR ----

type memImages struct {
	fail map[string]error
}

func (m *memImages) Fetch(ctx context.Context, ref string) (model.Image, error) {
	if err := m.fail[ref]; err != nil {
		return model.Image{}, err
	}
	return model.Image{Ref: ref, ContentType: "image/png"}, nil
}

type memOCR struct {
	mu    sync.Mutex
	pages map[string]adapter.OCRResult
	fail  map[string]error
	calls int
}

func (m *memOCR) Name() string { return "mem" }

func (m *memOCR) Recognize(ctx context.Context, img model.Image) (adapter.OCRResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if err := m.fail[img.Ref]; err != nil {
		return adapter.OCRResult{}, err
	}
	return m.pages[img.Ref], nil
}

// ocrPage lays lines out top to bottom, 40px apart, on an 800x1000 page.
func ocrPage(lines ...string) adapter.OCRResult {
	res := adapter.OCRResult{Width: 800, Height: 1000}
	for i, l := range lines {
		res.Lines = append(res.Lines, model.OCRLine{
			Text:       l,
			Box:        model.BBox{X: 20, Y: 20 + 40*i, Width: 400, Height: 30},
			Confidence: 0.9,
		})
	}
	return res
}

// ---- cache ----

type memCache struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	hits    int64
	misses  int64
	stores  int
}

func newMemCache() *memCache { return &memCache{entries: map[string]model.CacheEntry{}} }

func (c *memCache) Lookup(ctx context.Context, text string) (*model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[model.ContentHash(text)]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.Result = e.Result.Clone()
	return &e, true
}

func (c *memCache) Store(ctx context.Context, text string, res model.GradingResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := model.ContentHash(text)
	c.entries[h] = model.CacheEntry{Hash: h, Result: res.Clone(), CreatedAt: time.Now(), TTL: ttl}
	c.stores++
	return nil
}

func (c *memCache) Stats(ctx context.Context) (model.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.NewCacheStats(c.hits, c.misses, int64(len(c.entries))), nil
}

func (c *memCache) Clear(ctx context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[string]model.CacheEntry{}
	return n, nil
}

// ---- queue ----

type memQueue struct {
	mu        sync.Mutex
	tasks     []model.Task
	pending   map[string]bool
	cancelled map[string]bool
	enqErr    error
}

func newMemQueue() *memQueue {
	return &memQueue{pending: map[string]bool{}, cancelled: map[string]bool{}}
}

func (q *memQueue) Enqueue(ctx context.Context, t model.Task) error {
	if q.enqErr != nil {
		return q.enqErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	q.pending[t.ID] = true
	return nil
}

func (q *memQueue) EnqueueAt(ctx context.Context, t model.Task, at time.Time) error {
	return q.Enqueue(ctx, t)
}

func (q *memQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*model.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if q.pending[t.ID] {
			delete(q.pending, t.ID)
			return &model.Lease{Task: t, WorkerID: workerID, Deliveries: 1, ExpiresAt: time.Now().Add(t.Timeout)}, nil
		}
	}
	return nil, domain.ErrQueueEmpty
}

func (q *memQueue) Complete(ctx context.Context, l *model.Lease) error { return nil }

func (q *memQueue) Extend(ctx context.Context, l *model.Lease, ttl time.Duration) error { return nil }

func (q *memQueue) Requeue(ctx context.Context, l *model.Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[l.Task.ID] = true
	return nil
}

func (q *memQueue) Reap(ctx context.Context, now time.Time) (model.ReapResult, error) {
	return model.ReapResult{}, nil
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *memQueue) Stats(ctx context.Context) (model.QueueStats, error) {
	n, _ := q.Len(ctx)
	return model.QueueStats{Pending: n}, nil
}

func (q *memQueue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[id] {
		delete(q.pending, id)
		return true, nil
	}
	q.cancelled[id] = true
	return false, nil
}

func (q *memQueue) IsCancelled(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[id], nil
}

// ---- submission repository ----

type memSubmissionRepo struct {
	mu   sync.Mutex
	recs map[string]*model.SubmissionRecord
}

func newMemSubmissionRepo() *memSubmissionRepo {
	return &memSubmissionRepo{recs: map[string]*model.SubmissionRecord{}}
}

var _ repository.SubmissionRepository = (*memSubmissionRepo)(nil)

func (m *memSubmissionRepo) Create(ctx context.Context, tx repository.Tx, rec *model.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Submission.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *rec
	m.recs[rec.Submission.ID] = &cp
	return nil
}

func (m *memSubmissionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memSubmissionRepo) UpdateStage(ctx context.Context, tx repository.Tx, id string, status model.SubmissionStatus, stage model.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	r.Status, r.Stage, r.UpdatedAt = status, stage, time.Now()
	return nil
}

func (m *memSubmissionRepo) Finish(ctx context.Context, tx repository.Tx, id string, status model.SubmissionStatus, res *model.GradingResult, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	r.Status, r.Result, r.FailureReason, r.UpdatedAt = status, res, reason, time.Now()
	r.Stage = model.Stage(status)
	return nil
}

type nopTxManager struct{}

func (nopTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

// ---- locker ----

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]string{}} }

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, true, nil
}

func (l *memLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return errors.New("unlock token mismatch")
	}
	delete(l.held, key)
	return nil
}

// ---- progress bus ----

type memBus struct {
	mu     sync.Mutex
	events []model.ProgressEvent
	subs   map[string][]chan model.ProgressEvent
}

func newMemBus() *memBus { return &memBus{subs: map[string][]chan model.ProgressEvent{}} }

func (b *memBus) Publish(ctx context.Context, ev model.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	for _, ch := range b.subs[ev.SubmissionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, id string) (<-chan model.ProgressEvent, func(), error) {
	ch := make(chan model.ProgressEvent, 64)
	b.mu.Lock()
	b.subs[id] = append(b.subs[id], ch)
	b.mu.Unlock()
	return ch, func() {}, nil
}

func (b *memBus) Events(id string) []model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ProgressEvent
	for _, e := range b.events {
		if e.SubmissionID == id {
			out = append(out, e)
		}
	}
	return out
}

// ---- fixtures ----

func testSubmission(id string, images ...string) model.Submission {
	if len(images) == 0 {
		images = []string{"https://img.example/" + id + "-1.png"}
	}
	return model.Submission{
		ID:            id,
		AssignmentID:  "hw-1",
		Images:        images,
		Rubric:        "Full marks for the right result with working shown.",
		Strictness:    model.StrictnessStandard,
		MaxScore:      10,
		ExecutionMode: model.ModeStandard,
	}.WithDefaults(time.Now())
}

type pipelineFixture struct {
	ai    *scriptedAI
	ocr   *memOCR
	imgs  *memImages
	cache *memCache
	bus   *memBus
	orch  *Orchestrator
}

func newPipelineFixture(respond func(call int, prompt string) (string, error)) *pipelineFixture {
	cfg := config.Default()
	log := newTestLogger()
	f := &pipelineFixture{
		ai:    &scriptedAI{respond: respond},
		ocr:   &memOCR{pages: map[string]adapter.OCRResult{}, fail: map[string]error{}},
		imgs:  &memImages{fail: map[string]error{}},
		cache: newMemCache(),
		bus:   newMemBus(),
	}
	f.orch = NewGradingPipeline(PipelineDeps{
		Images:         f.imgs,
		OCR:            f.ocr,
		Cache:          f.cache,
		CacheTTL:       cfg.Cache.TTL,
		Assessor:       NewComplexityAssessor(cfg.Complexity),
		Segmenter:      NewSegmentationStage(log),
		Grader:         NewGradingStage(f.ai, "grader", cfg.Grading, log),
		Locator:        NewLocationStage(f.ai, "locator", cfg.Location, log),
		LocateSeverity: cfg.Grading.LocateSeverity,
	}, f.bus, log)
	return f
}
