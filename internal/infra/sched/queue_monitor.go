package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
)

type statsSource interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

// QueueMonitor refreshes the queue depth gauges. The queue publishes the
// gauges itself on every Stats call.
type QueueMonitor struct {
	interval time.Duration
	queue    statsSource
	log      *zerolog.Logger
}

func NewQueueMonitor(interval time.Duration, queue statsSource, logger *zerolog.Logger) *QueueMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	compLog := logger.With().Str("component", "QueueMonitor").Logger()
	return &QueueMonitor{interval: interval, queue: queue, log: &compLog}
}

func (w *QueueMonitor) Run(ctx context.Context) error {
	// Run once on startup, then on every tick
	w.runCheck(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.runCheck(ctx)
		}
	}
}

func (w *QueueMonitor) runCheck(ctx context.Context) {
	s, err := w.queue.Stats(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("queue stats unavailable")
		return
	}
	w.log.Debug().
		Int64("pending", s.Pending).
		Int64("delayed", s.Delayed).
		Int64("in_flight", s.InFlight).
		Int64("dead", s.Dead).
		Msg("queue depth")
}
