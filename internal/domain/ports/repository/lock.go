package repository

import (
	"context"
	"time"
)

// Locker is a distributed mutual-exclusion primitive. Unlock only succeeds
// for the holder token returned by TryLock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RateLimiter bounds request volume per caller identity.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, retryAfter time.Duration, err error)
}
