//go:build !integration

package worker

import (
	"context"
	"sync"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/usecase"
)

// fakeQueue is an in-memory repository.TaskQueue.
type fakeQueue struct {
	mu        sync.Mutex
	pending   []model.Task
	length    int64 // reported by Len when set
	cancelled map[string]bool
	lost      bool // Extend reports a lost lease

	completed []string
	requeued  map[string]time.Duration
	extended  int
}

func newFakeQueue(tasks ...model.Task) *fakeQueue {
	return &fakeQueue{pending: tasks, cancelled: map[string]bool{}, requeued: map[string]time.Duration{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, t model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, t)
	return nil
}

func (q *fakeQueue) EnqueueAt(ctx context.Context, t model.Task, _ time.Time) error {
	return q.Enqueue(ctx, t)
}

func (q *fakeQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*model.Lease, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return &model.Lease{Task: t, WorkerID: workerID, Deliveries: 1, ExpiresAt: time.Now().Add(time.Minute)}, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(timeout, 5*time.Millisecond)):
		return nil, domain.ErrQueueEmpty
	}
}

func (q *fakeQueue) Complete(_ context.Context, l *model.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, l.Task.ID)
	return nil
}

func (q *fakeQueue) Extend(_ context.Context, _ *model.Lease, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost {
		return domain.LeaseExpired("queue")
	}
	q.extended++
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, l *model.Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued[l.Task.ID] = delay
	return nil
}

func (q *fakeQueue) Reap(context.Context, time.Time) (model.ReapResult, error) {
	return model.ReapResult{}, nil
}

func (q *fakeQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length > 0 {
		return q.length, nil
	}
	return int64(len(q.pending)), nil
}

func (q *fakeQueue) Stats(context.Context) (model.QueueStats, error) {
	n, _ := q.Len(context.Background())
	return model.QueueStats{Pending: n}, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[id] = true
	return false, nil
}

func (q *fakeQueue) IsCancelled(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[id], nil
}

func (q *fakeQueue) snapshot() (completed []string, requeued map[string]time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]time.Duration, len(q.requeued))
	for k, v := range q.requeued {
		out[k] = v
	}
	return append([]string(nil), q.completed...), out
}

// fakeRunner calls the guard once, then returns the configured outcome.
type fakeRunner struct {
	res      *model.GradingResult
	err      error
	guardErr error
	calls    int
}

func (r *fakeRunner) Run(ctx context.Context, sub model.Submission, guard usecase.Guard) (*model.GradingResult, error) {
	r.calls++
	if guard != nil {
		if err := guard(ctx); err != nil {
			r.guardErr = err
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	res := *r.res
	res.SubmissionID = sub.ID
	return &res, nil
}

type fakeOutcomes struct {
	mu         sync.Mutex
	started    []string
	done       []string
	failed     map[string]string
	cancelled  []string
	retryLater map[string]time.Duration
	terminal   bool
	writeErr   error // returned by Fail, Cancel and RetryLater
}

func newFakeOutcomes() *fakeOutcomes {
	return &fakeOutcomes{failed: map[string]string{}, retryLater: map[string]time.Duration{}}
}

func (o *fakeOutcomes) Started(_ context.Context, sub model.Submission) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, sub.ID)
	if o.terminal {
		return domain.ErrAlreadyTerminal
	}
	return nil
}

func (o *fakeOutcomes) Complete(_ context.Context, sub model.Submission, _ *model.GradingResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, sub.ID)
	return nil
}

func (o *fakeOutcomes) Fail(_ context.Context, sub model.Submission, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writeErr != nil {
		return o.writeErr
	}
	o.failed[sub.ID] = domain.Reason(cause)
	return nil
}

func (o *fakeOutcomes) Cancel(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writeErr != nil {
		return o.writeErr
	}
	o.cancelled = append(o.cancelled, id)
	return nil
}

func (o *fakeOutcomes) RetryLater(_ context.Context, sub model.Submission, _ error, after time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writeErr != nil {
		return o.writeErr
	}
	o.retryLater[sub.ID] = after
	return nil
}

// countingProcessor records processed task ids.
type countingProcessor struct {
	mu   sync.Mutex
	seen []string
	hold time.Duration
}

func (c *countingProcessor) Process(_ context.Context, l *model.Lease) {
	if c.hold > 0 {
		time.Sleep(c.hold)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, l.Task.ID)
}

func (c *countingProcessor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func task(id string) model.Task {
	sub := model.Submission{ID: id, AssignmentID: "a1", Images: []string{"https://img/1.png"}, MaxScore: 10}
	return model.NewTask(sub, time.Minute, time.Now())
}

type runnerFunc func(ctx context.Context, sub model.Submission, guard func(context.Context) error) (*model.GradingResult, error)

func (f runnerFunc) Run(ctx context.Context, sub model.Submission, guard usecase.Guard) (*model.GradingResult, error) {
	return f(ctx, sub, guard)
}
