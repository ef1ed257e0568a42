package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
)

// DeadLetterSink closes submissions whose task ran out of deliveries.
type DeadLetterSink interface {
	Fail(ctx context.Context, sub model.Submission, cause error) error
}

// LeaseReaper periodically returns tasks with expired leases to the queue,
// promotes due delayed tasks and fails dead-lettered submissions.
type LeaseReaper struct {
	interval time.Duration
	queue    repository.TaskQueue
	sink     DeadLetterSink
	now      func() time.Time
	log      *zerolog.Logger
}

func NewLeaseReaper(interval time.Duration, queue repository.TaskQueue, sink DeadLetterSink, logger *zerolog.Logger) *LeaseReaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	reapLog := logger.With().Str("component", "LeaseReaper").Logger()
	return &LeaseReaper{
		interval: interval,
		queue:    queue,
		sink:     sink,
		now:      time.Now,
		log:      &reapLog,
	}
}

func (w *LeaseReaper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting lease reaper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping lease reaper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ReapOnce(ctx); err != nil {
				w.log.Error().Err(err).Msg("lease reaper error")
			}
		}
	}
}

// ReapOnce runs a single pass and returns what it observed.
func (w *LeaseReaper) ReapOnce(ctx context.Context) (model.ReapResult, error) {
	res, err := w.queue.Reap(ctx, w.now())
	if err != nil {
		return res, err
	}
	for _, t := range res.Dead {
		cause := domain.LeaseExpired("reaper")
		if err := w.sink.Fail(ctx, t.Submission, cause); err != nil {
			w.log.Error().Err(err).Str("submission_id", t.ID).Msg("dead-lettered submission not closed")
			continue
		}
		w.log.Warn().Str("submission_id", t.ID).Msg("submission dead-lettered after repeated lease expiry")
	}
	return res, nil
}
