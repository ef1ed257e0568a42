package usecase

import (
	"context"
	"fmt"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/repository"
)

const lockRetryInterval = 50 * time.Millisecond

// SubmissionLockKey is the distributed lock guarding one submission's record.
func SubmissionLockKey(id string) string { return "submission:" + id }

// WithLock runs fn while holding key. It retries the lock until wait has
// elapsed and then returns domain.ErrLockNotAcquired.
func WithLock(ctx context.Context, locker repository.Locker, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil {
			return domain.Transient("lock", fmt.Errorf("lock %s: %w", key, err))
		}
		if ok {
			defer func() {
				// Unlock with a fresh context so a cancelled caller still releases.
				uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				_ = locker.Unlock(uctx, key, token)
			}()
			return fn(ctx)
		}
		if time.Now().After(deadline) {
			return domain.Transient("lock", fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, key))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
