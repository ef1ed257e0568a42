//go:build !integration

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
)

func newProcessor(q *fakeQueue, r *fakeRunner, o *fakeOutcomes) *GradingProcessor {
	logger := zerolog.Nop()
	return NewGradingProcessor(q, r, o, time.Minute, 30*time.Second, &logger)
}

func lease(id string) *model.Lease {
	return &model.Lease{Task: task(id), WorkerID: "w1", Deliveries: 1}
}

func TestGradingProcessor_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes lease and records result", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		r := &fakeRunner{res: &model.GradingResult{Score: 9, MaxScore: 10}}
		newProcessor(q, r, o).Process(ctx, lease("s1"))

		completed, _ := q.snapshot()
		if len(completed) != 1 || len(o.done) != 1 {
			t.Fatalf("completed=%v done=%v", completed, o.done)
		}
		if q.extended != 1 {
			t.Fatalf("guard did not extend the lease: %d", q.extended)
		}
	})

	t.Run("cancelled before start", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		q.cancelled["s2"] = true
		r := &fakeRunner{res: &model.GradingResult{}}
		newProcessor(q, r, o).Process(ctx, lease("s2"))

		if r.calls != 0 {
			t.Fatal("pipeline ran for a cancelled task")
		}
		completed, _ := q.snapshot()
		if len(o.cancelled) != 1 || len(completed) != 1 {
			t.Fatalf("cancelled=%v completed=%v", o.cancelled, completed)
		}
	})

	t.Run("already terminal is dropped", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		o.terminal = true
		r := &fakeRunner{res: &model.GradingResult{}}
		newProcessor(q, r, o).Process(ctx, lease("s3"))

		completed, _ := q.snapshot()
		if r.calls != 0 || len(completed) != 1 || len(o.done) != 0 {
			t.Fatalf("calls=%d completed=%v done=%v", r.calls, completed, o.done)
		}
	})

	t.Run("exhausted is requeued with hint", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		r := &fakeRunner{err: domain.Exhausted("breaker", domain.ErrCircuitOpen, 7*time.Second)}
		newProcessor(q, r, o).Process(ctx, lease("s4"))

		completed, requeued := q.snapshot()
		if len(completed) != 0 {
			t.Fatal("exhausted task was completed")
		}
		if requeued["s4"] != 7*time.Second || o.retryLater["s4"] != 7*time.Second {
			t.Fatalf("requeued=%v retryLater=%v", requeued, o.retryLater)
		}
		if len(o.failed) != 0 {
			t.Fatal("exhausted task was failed")
		}
	})

	t.Run("exhausted without hint uses default delay", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		r := &fakeRunner{err: domain.ErrRateLimited}
		newProcessor(q, r, o).Process(ctx, lease("s5"))

		_, requeued := q.snapshot()
		if requeued["s5"] != 30*time.Second {
			t.Fatalf("delay %v", requeued["s5"])
		}
	})

	t.Run("lost lease abandons", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		q.lost = true
		r := &fakeRunner{res: &model.GradingResult{}}
		newProcessor(q, r, o).Process(ctx, lease("s6"))

		completed, requeued := q.snapshot()
		if !domain.IsKind(r.guardErr, domain.KindLeaseExpired) {
			t.Fatalf("guard error %v", r.guardErr)
		}
		if len(completed) != 0 || len(requeued) != 0 || len(o.failed) != 0 || len(o.done) != 0 {
			t.Fatalf("abandoned task was settled: completed=%v requeued=%v failed=%v", completed, requeued, o.failed)
		}
	})

	t.Run("flagged mid-run is cancelled", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		r := &fakeRunner{res: &model.GradingResult{}}
		p := newProcessor(q, r, o)
		// Flag after the pre-check by wrapping the runner.
		p.runner = runnerFunc(func(ctx context.Context, sub model.Submission, guard func(context.Context) error) (*model.GradingResult, error) {
			_, _ = q.Cancel(ctx, sub.ID)
			return nil, guard(ctx)
		})
		p.Process(ctx, lease("s7"))

		completed, _ := q.snapshot()
		if len(o.cancelled) != 1 || len(completed) != 1 {
			t.Fatalf("cancelled=%v completed=%v", o.cancelled, completed)
		}
	})

	t.Run("other errors fail with reason", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		r := &fakeRunner{err: domain.Transient("ai", errors.New("connection reset"))}
		newProcessor(q, r, o).Process(ctx, lease("s8"))

		completed, _ := q.snapshot()
		if o.failed["s8"] != "grading service unavailable" || len(completed) != 1 {
			t.Fatalf("failed=%v completed=%v", o.failed, completed)
		}
	})

	t.Run("unpersisted failure keeps the lease", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		o.writeErr = errors.New("postgres unreachable")
		r := &fakeRunner{err: domain.Transient("ai", errors.New("connection reset"))}
		newProcessor(q, r, o).Process(ctx, lease("s10"))

		completed, requeued := q.snapshot()
		if len(completed) != 0 || len(requeued) != 0 {
			t.Fatalf("completed=%v requeued=%v, want the lease left to expire", completed, requeued)
		}
	})

	t.Run("unpersisted timeout keeps the lease", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		o.writeErr = errors.New("postgres unreachable")
		p := newProcessor(q, &fakeRunner{}, o)
		p.runner = runnerFunc(func(ctx context.Context, _ model.Submission, _ func(context.Context) error) (*model.GradingResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		l := lease("s11")
		l.Task.Timeout = 10 * time.Millisecond
		p.Process(ctx, l)

		if completed, _ := q.snapshot(); len(completed) != 0 {
			t.Fatalf("completed=%v", completed)
		}
	})

	t.Run("unpersisted cancellation keeps the lease", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		o.writeErr = errors.New("postgres unreachable")
		q.cancelled["s12"] = true
		newProcessor(q, &fakeRunner{}, o).Process(ctx, lease("s12"))

		if completed, _ := q.snapshot(); len(completed) != 0 {
			t.Fatalf("completed=%v", completed)
		}
	})

	t.Run("retry-later write failure still requeues", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		o.writeErr = errors.New("postgres unreachable")
		r := &fakeRunner{err: domain.Exhausted("limiter", domain.ErrRateLimited, 5*time.Second)}
		newProcessor(q, r, o).Process(ctx, lease("s13"))

		completed, requeued := q.snapshot()
		if requeued["s13"] != 5*time.Second || len(completed) != 0 {
			t.Fatalf("requeued=%v completed=%v", requeued, completed)
		}
	})

	t.Run("shutdown hands the task back", func(t *testing.T) {
		q, o := newFakeQueue(), newFakeOutcomes()
		cctx, cancel := context.WithCancel(ctx)
		p := newProcessor(q, &fakeRunner{}, o)
		p.runner = runnerFunc(func(context.Context, model.Submission, func(context.Context) error) (*model.GradingResult, error) {
			cancel()
			return nil, context.Canceled
		})
		p.Process(cctx, lease("s9"))

		completed, requeued := q.snapshot()
		if _, ok := requeued["s9"]; !ok || len(completed) != 0 || len(o.failed) != 0 {
			t.Fatalf("requeued=%v completed=%v failed=%v", requeued, completed, o.failed)
		}
	})
}
