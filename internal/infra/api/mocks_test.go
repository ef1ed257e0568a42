//go:build !integration

package api

import (
	"context"
	"sync"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

type fakeUC struct {
	mu        sync.Mutex
	records   map[string]*model.SubmissionRecord
	submitErr error
	waited    time.Duration
	cleared   string
	cache     model.CacheStats
	queue     model.QueueStats
}

func newFakeUC() *fakeUC {
	return &fakeUC{records: map[string]*model.SubmissionRecord{}}
}

func (f *fakeUC) put(rec *model.SubmissionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Submission.ID] = rec
}

func (f *fakeUC) Submit(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if sub.ID == "" {
		sub.ID = "generated"
	}
	rec := &model.SubmissionRecord{Submission: sub, Status: model.StatusQueued, Stage: model.StageQueued}
	f.put(rec)
	return rec, nil
}

func (f *fakeUC) SubmitAndWait(ctx context.Context, sub model.Submission, wait time.Duration) (*model.SubmissionRecord, error) {
	f.mu.Lock()
	f.waited = wait
	f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	rec := &model.SubmissionRecord{
		Submission: sub,
		Status:     model.StatusDone,
		Stage:      model.StageDone,
		Result:     &model.GradingResult{SubmissionID: sub.ID, Score: 8, MaxScore: 10},
	}
	f.put(rec)
	return rec, nil
}

func (f *fakeUC) GetResult(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	if !cp.Status.Terminal() {
		return &cp, domain.ErrStillProcessing
	}
	return &cp, nil
}

func (f *fakeUC) Cancel(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec, domain.ErrAlreadyTerminal
	}
	rec.Status, rec.Stage = model.StatusCancelled, model.StageCancelled
	return rec, nil
}

func (f *fakeUC) CacheStats(ctx context.Context) (model.CacheStats, error) { return f.cache, nil }

func (f *fakeUC) ClearCache(ctx context.Context, pattern string) (int, error) {
	f.mu.Lock()
	f.cleared = pattern
	f.mu.Unlock()
	return 3, nil
}

func (f *fakeUC) QueueStats(ctx context.Context) (model.QueueStats, error) { return f.queue, nil }

// fakeEvents hands out one channel per submission; tests push into it.
type fakeEvents struct {
	mu    sync.Mutex
	subs  map[string]chan model.ProgressEvent
	ready chan string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: map[string]chan model.ProgressEvent{}, ready: make(chan string, 4)}
}

func (f *fakeEvents) Subscribe(ctx context.Context, id string) (<-chan model.ProgressEvent, func(), error) {
	ch := make(chan model.ProgressEvent, 8)
	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()
	f.ready <- id
	return ch, func() {}, nil
}

func (f *fakeEvents) send(id string, ev model.ProgressEvent) {
	f.mu.Lock()
	ch := f.subs[id]
	f.mu.Unlock()
	ch <- ev
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l fakeLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	if l.err != nil {
		return false, 0, 0, l.err
	}
	if !l.allow {
		return false, 0, 20 * time.Second, nil
	}
	return true, 9, 0, nil
}

func (l fakeLimiter) Limit() int { return 10 }
