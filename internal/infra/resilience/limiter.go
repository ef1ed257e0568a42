package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ repository.RateLimiter = (*LocalLimiter)(nil)

// LocalLimiter is an in-process token bucket per caller identity.
type LocalLimiter struct {
	name  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter(name string, perSecond float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{name: name, limit: rate.Limit(perSecond), burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow takes one token without waiting. When none is available it reports
// how long until the next one.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, int, time.Duration, error) {
	b := l.bucket(key)
	now := time.Now()
	r := b.ReserveN(now, 1)
	if !r.OK() {
		metrics.IncRateLimited(l.name)
		return false, 0, time.Second, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		metrics.IncRateLimited(l.name)
		return false, 0, d, nil
	}
	return true, int(b.TokensAt(now)), 0, nil
}

// Guard rejects with a resource-exhausted error when any of the limiters
// refuses key. It is the call-site form used around the reasoning service.
func Guard(ctx context.Context, key string, limiters ...repository.RateLimiter) error {
	for _, lim := range limiters {
		if lim == nil {
			continue
		}
		ok, _, retry, err := lim.Allow(ctx, key)
		if err != nil {
			// A limiter backend outage must not stop grading.
			continue
		}
		if !ok {
			return domain.Exhausted("rate_limit", fmt.Errorf("%s: %w", key, domain.ErrRateLimited), retry)
		}
	}
	return nil
}
