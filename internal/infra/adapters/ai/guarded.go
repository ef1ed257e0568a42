package ai

import (
	"context"
	"time"

	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/resilience"
)

var _ adapter.AIServiceAdapter = (*GuardedAI)(nil)

// GuardedAI wraps a provider with the resilience layer. Each attempt passes
// the process limiter, the limiter shared by all workers and the circuit
// breaker, and runs under its own timeout; transient failures are retried
// with backoff. Rejections surface as resource-exhausted errors.
type GuardedAI struct {
	inner    adapter.AIServiceAdapter
	limiters []repository.RateLimiter
	breaker  *resilience.Breaker
	retry    resilience.RetryPolicy
	timeout  time.Duration
}

func NewGuardedAI(inner adapter.AIServiceAdapter, breaker *resilience.Breaker, retry resilience.RetryPolicy, timeout time.Duration, limiters ...repository.RateLimiter) *GuardedAI {
	return &GuardedAI{inner: inner, limiters: limiters, breaker: breaker, retry: retry, timeout: timeout}
}

func (g *GuardedAI) Name() string { return g.inner.Name() }

func (g *GuardedAI) limiterKey() string { return "ai:" + g.inner.Name() }

func (g *GuardedAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return g.inner.CountTokens(ctx, model, messages)
}

type chatReply struct {
	text  string
	usage adapter.Usage
}

func (g *GuardedAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	r, err := resilience.Retry(ctx, g.retry, func(ctx context.Context) (chatReply, error) {
		if err := resilience.Guard(ctx, g.limiterKey(), g.limiters...); err != nil {
			return chatReply{}, err
		}
		var out chatReply
		call := func(ctx context.Context) error {
			if g.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			text, u, err := g.inner.ChatWithUsage(ctx, model, messages)
			out = chatReply{text: text, usage: u}
			return err
		}
		if g.breaker == nil {
			return out, call(ctx)
		}
		return out, g.breaker.Execute(ctx, call)
	})
	return r.text, r.usage, err
}
