package repository

import (
	"context"
	"time"

	"grading-orchestrator/internal/domain/model"
)

// TaskQueue is a priority queue with lease-based redelivery.
//
// Dequeue registers a lease for the worker; the lease must be completed,
// extended or requeued by the same worker. A lease that expires makes the
// task dequeuable again once Reap observes it.
type TaskQueue interface {
	Enqueue(ctx context.Context, task model.Task) error
	EnqueueAt(ctx context.Context, task model.Task, at time.Time) error
	// Dequeue blocks up to timeout and returns domain.ErrQueueEmpty when nothing arrived.
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*model.Lease, error)
	Complete(ctx context.Context, lease *model.Lease) error
	Extend(ctx context.Context, lease *model.Lease, ttl time.Duration) error
	Requeue(ctx context.Context, lease *model.Lease, delay time.Duration) error
	Reap(ctx context.Context, now time.Time) (model.ReapResult, error)

	Len(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (model.QueueStats, error)

	// Cancel removes a pending task or flags an in-flight one.
	// It reports whether the task was still pending.
	Cancel(ctx context.Context, taskID string) (bool, error)
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}
