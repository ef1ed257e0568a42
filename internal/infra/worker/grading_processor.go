package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/logging"
	"grading-orchestrator/internal/usecase"
)

var _ Processor = (*GradingProcessor)(nil)

// Runner executes the grading pipeline for one submission.
type Runner interface {
	Run(ctx context.Context, sub model.Submission, guard usecase.Guard) (*model.GradingResult, error)
}

// Outcomes records what happened to a submission.
type Outcomes interface {
	Started(ctx context.Context, sub model.Submission) error
	Complete(ctx context.Context, sub model.Submission, res *model.GradingResult) error
	Fail(ctx context.Context, sub model.Submission, cause error) error
	Cancel(ctx context.Context, submissionID string) error
	RetryLater(ctx context.Context, sub model.Submission, cause error, after time.Duration) error
}

// GradingProcessor runs one leased submission through the pipeline and
// settles the lease according to the outcome.
type GradingProcessor struct {
	queue      repository.TaskQueue
	runner     Runner
	outcomes   Outcomes
	leaseTTL   time.Duration
	retryDelay time.Duration
	log        *zerolog.Logger
}

func NewGradingProcessor(queue repository.TaskQueue, runner Runner, outcomes Outcomes,
	leaseTTL, retryDelay time.Duration, logger *zerolog.Logger) *GradingProcessor {
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	l := logger.With().Str("component", "grading_processor").Logger()
	return &GradingProcessor{
		queue:      queue,
		runner:     runner,
		outcomes:   outcomes,
		leaseTTL:   leaseTTL,
		retryDelay: retryDelay,
		log:        &l,
	}
}

func (p *GradingProcessor) Process(ctx context.Context, lease *model.Lease) {
	sub := lease.Task.Submission
	ctx = logging.WithSubmissionID(ctx, sub.ID)
	log := logging.With(ctx, p.log)
	start := time.Now()

	if cancelled, err := p.queue.IsCancelled(ctx, lease.Task.ID); err == nil && cancelled {
		p.cancelled(ctx, lease, log)
		return
	}

	if err := p.outcomes.Started(ctx, sub); errors.Is(err, domain.ErrAlreadyTerminal) {
		log.Info().Msg("submission already finished; dropping redelivered task")
		p.complete(ctx, lease, log)
		return
	}
	log.Info().Int("delivery", lease.Deliveries).Msg("grading started")

	runCtx := ctx
	if lease.Task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, lease.Task.Timeout)
		defer cancel()
	}
	res, err := p.runner.Run(runCtx, sub, p.guard(lease))

	switch {
	case err == nil:
		if ferr := p.outcomes.Complete(ctx, sub, res); ferr != nil {
			// Keep the lease; redelivery retries the write.
			log.Error().Err(ferr).Msg("result not persisted; leaving task for redelivery")
			return
		}
		p.complete(ctx, lease, log)
		log.Info().Dur("took", time.Since(start)).Float64("score", res.Score).Bool("from_cache", res.FromCache).Msg("grading done")

	case domain.IsKind(err, domain.KindCancelled) && ctx.Err() == nil:
		p.cancelled(ctx, lease, log)

	case ctx.Err() != nil:
		// Shutdown: hand the task back right away instead of waiting for the reaper.
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := p.queue.Requeue(bg, lease, 0); rerr != nil {
			log.Warn().Err(rerr).Msg("requeue on shutdown failed; lease will expire")
			return
		}
		log.Info().Msg("task returned to queue on shutdown")

	case domain.IsKind(err, domain.KindLeaseExpired):
		log.Warn().Err(err).Msg("lease lost; abandoning partial work")

	case domain.IsKind(err, domain.KindResourceExhausted):
		after := domain.RetryAfter(err, p.retryDelay)
		if rerr := p.queue.Requeue(ctx, lease, after); rerr != nil {
			log.Warn().Err(rerr).Msg("requeue failed; lease will expire")
			return
		}
		// The task is back in the queue, so a lost status write only delays the record.
		if werr := p.outcomes.RetryLater(ctx, sub, err, after); werr != nil {
			log.Warn().Err(werr).Msg("record retry-later failed")
		}
		log.Info().Err(err).Dur("retry_in", after).Msg("grading deferred")

	case errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil:
		if !p.settle(ctx, lease, log, p.outcomes.Fail(ctx, sub, domain.E(domain.KindLeaseExpired, "process", err))) {
			return
		}
		log.Warn().Dur("timeout", lease.Task.Timeout).Msg("grading timed out")

	default:
		if !p.settle(ctx, lease, log, p.outcomes.Fail(ctx, sub, err)) {
			return
		}
		log.Error().Err(err).Str("kind", domain.KindOf(err).String()).Msg("grading failed")
	}
}

// settle completes the lease once the terminal outcome is persisted. When the
// write failed the lease is kept, so it expires and the task is redelivered.
func (p *GradingProcessor) settle(ctx context.Context, lease *model.Lease, log *zerolog.Logger, werr error) bool {
	if werr != nil {
		log.Error().Err(werr).Msg("outcome not persisted; leaving task for redelivery")
		return false
	}
	p.complete(ctx, lease, log)
	return true
}

// guard runs at every stage boundary: it stops cancelled submissions and
// renews the lease so long pipelines are not reclaimed mid-run.
func (p *GradingProcessor) guard(lease *model.Lease) usecase.Guard {
	return func(ctx context.Context) error {
		cancelled, err := p.queue.IsCancelled(ctx, lease.Task.ID)
		if err == nil && cancelled {
			return domain.Cancelled("guard")
		}
		if p.leaseTTL > 0 {
			err := p.queue.Extend(ctx, lease, p.leaseTTL)
			if domain.IsKind(err, domain.KindLeaseExpired) {
				return err
			}
			if err != nil {
				logging.With(ctx, p.log).Warn().Err(err).Msg("lease extension failed")
			}
		}
		return nil
	}
}

func (p *GradingProcessor) cancelled(ctx context.Context, lease *model.Lease, log *zerolog.Logger) {
	if !p.settle(ctx, lease, log, p.outcomes.Cancel(ctx, lease.Task.ID)) {
		return
	}
	log.Info().Msg("grading cancelled")
}

func (p *GradingProcessor) complete(ctx context.Context, lease *model.Lease, log *zerolog.Logger) {
	if err := p.queue.Complete(ctx, lease); err != nil {
		log.Warn().Err(err).Msg("complete lease failed")
	}
}
