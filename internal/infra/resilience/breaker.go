package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/infra/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens after Threshold consecutive failures and rejects calls with
// domain.ErrCircuitOpen until Cooldown elapses. Then exactly one trial call
// is let through: success closes the breaker, failure reopens it.
//
// Only errors for which the failure predicate holds count; validation and
// cancellation say nothing about the health of the dependency.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	isFailure func(error) bool
	now       func() time.Time
	log       *zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	// generation advances on every state change.
	generation uint64
}

func NewBreaker(name string, threshold int, cooldown time.Duration, logger *zerolog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	l := logger.With().Str("component", "breaker").Str("breaker", name).Logger()
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		isFailure: CountsAsFailure,
		now:       time.Now,
		log:       &l,
	}
	metrics.SetBreakerState(name, int(StateClosed))
	return b
}

// CountsAsFailure is the default failure predicate: transient and
// resource-exhausted errors from the dependency trip the breaker.
func CountsAsFailure(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindTransient, domain.KindResourceExhausted, domain.KindInternal:
		return !errors.Is(err, context.Canceled)
	}
	return false
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	tk, err := b.allow()
	if err != nil {
		metrics.IncBreakerRejection(b.name)
		return err
	}
	err = fn(ctx)
	b.record(tk, err)
	return err
}

// ticket identifies the state a call was admitted under.
type ticket struct {
	generation uint64
	trial      bool
}

func (b *Breaker) allow() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return ticket{generation: b.generation}, nil
	case StateOpen:
		remaining := b.cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return ticket{}, domain.Exhausted("breaker", fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen), remaining)
		}
		b.transition(StateHalfOpen)
	}
	// Half-open: a single trial call at a time.
	if b.probing {
		return ticket{}, domain.Exhausted("breaker", fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen), b.cooldown)
	}
	b.probing = true
	return ticket{generation: b.generation, trial: true}, nil
}

func (b *Breaker) record(t ticket, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Admitted under an earlier state; its outcome says nothing about the current one.
	if t.generation != b.generation {
		return
	}
	failed := err != nil && b.isFailure(err)
	if t.trial {
		b.probing = false
		if err != nil && !failed {
			// Inconclusive trial; let the next call probe again.
			return
		}
		if failed {
			b.open()
		} else {
			b.transition(StateClosed)
		}
		return
	}

	if !failed {
		if err == nil {
			b.failures = 0
		}
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
	b.log.Warn().Int("failures", b.failures).Dur("cooldown", b.cooldown).Msg("circuit opened")
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.log.Info().Str("from", b.state.String()).Str("to", to.String()).Msg("breaker state change")
	b.state = to
	b.generation++
	b.probing = false
	if to != StateOpen {
		b.failures = 0
	}
	metrics.SetBreakerState(b.name, int(to))
}
