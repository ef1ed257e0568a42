package redis

import (
	"context"
	"fmt"
	"time"

	"grading-orchestrator/internal/domain/ports/repository"
)

var _ repository.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window counter shared by every process using the
// same redis. The window starts with the first request of a key.
type RateLimiter struct {
	client *Client
	limit  int
	window time.Duration
	prefix string
}

func NewRateLimiter(client *Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window, prefix: prefix}
}

func (r *RateLimiter) Limit() int { return r.limit }

func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	k := r.key(key)
	count, err := r.client.Incr(ctx, k)
	if err != nil {
		return false, 0, 0, err
	}

	if count == 1 {
		err = r.client.Expire(ctx, k, r.window)
		if err != nil {
			return false, 0, 0, err
		}
	}

	if count > int64(r.limit) {
		ttl, err := r.client.cli.PTTL(ctx, k).Result()
		if err != nil || ttl <= 0 {
			ttl = r.window
		}
		return false, 0, ttl, nil
	}

	return true, r.limit - int(count), 0, nil
}

func (r *RateLimiter) key(k string) string {
	return fmt.Sprintf("rate_limit:%s:%s", r.prefix, k)
}

// ClientKey is the intake limiter key of one API client.
func ClientKey(clientID string) string {
	return "client:" + clientID
}
