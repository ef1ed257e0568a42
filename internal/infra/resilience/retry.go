package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"grading-orchestrator/internal/domain"
)

type RetryPolicy struct {
	MaxTries    uint
	MaxElapsed  time.Duration
	InitialWait time.Duration
	MaxWait     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 3, MaxElapsed: 45 * time.Second, InitialWait: 500 * time.Millisecond, MaxWait: 10 * time.Second}
}

// Retry runs op with bounded exponential backoff. Only transient errors are
// retried; every other kind is returned at once.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	if p.InitialWait > 0 {
		eb.InitialInterval = p.InitialWait
	}
	if p.MaxWait > 0 {
		eb.MaxInterval = p.MaxWait
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(eb)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !domain.IsKind(err, domain.KindTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
