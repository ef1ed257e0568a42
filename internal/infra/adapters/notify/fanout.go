// File: internal/infra/adapters/notify/fanout.go
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

// Notifier receives terminal outcomes only.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev model.ProgressEvent) error
	Close() error
}

var _ adapter.ProgressPublisher = (*Fanout)(nil)

// Fanout forwards every event to the progress bus and terminal events to the
// notifiers. Notifier failures are logged and never fail the publish.
type Fanout struct {
	bus       adapter.ProgressPublisher
	notifiers []Notifier
	timeout   time.Duration
	log       zerolog.Logger
}

func NewFanout(bus adapter.ProgressPublisher, logger *zerolog.Logger, notifiers ...Notifier) *Fanout {
	l := logger.With().Str("component", "notify").Logger()
	out := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &Fanout{bus: bus, notifiers: out, timeout: 5 * time.Second, log: l}
}

func (f *Fanout) Publish(ctx context.Context, ev model.ProgressEvent) error {
	var err error
	if f.bus != nil {
		err = f.bus.Publish(ctx, ev)
	}
	if !ev.Terminal {
		return err
	}
	for _, n := range f.notifiers {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		if nerr := n.Notify(nctx, ev); nerr != nil {
			f.log.Warn().Err(nerr).
				Str("notifier", n.Name()).
				Str("submission_id", ev.SubmissionID).
				Msg("terminal notification failed")
		}
		cancel()
	}
	return err
}

// Close releases every notifier.
func (f *Fanout) Close() error {
	var first error
	for _, n := range f.notifiers {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
