package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var (
	_ adapter.ProgressPublisher  = (*ProgressBus)(nil)
	_ adapter.ProgressSubscriber = (*ProgressBus)(nil)
)

// ProgressBus fans progress events out over redis pub/sub so that a client
// connected to any API instance sees events published by any worker.
// Delivery is at-most-once; the persisted record is the source of truth.
type ProgressBus struct {
	cli *redis.Client
	log *zerolog.Logger
}

func NewProgressBus(c *Client, logger *zerolog.Logger) *ProgressBus {
	l := logger.With().Str("component", "progress_bus").Logger()
	return &ProgressBus{cli: c.cli, log: &l}
}

func progressChannel(id string) string { return "progress:" + id }

func (b *ProgressBus) Publish(ctx context.Context, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.cli.Publish(ctx, progressChannel(ev.SubmissionID), data).Err()
}

// Subscribe returns once the subscription is confirmed, so events published
// afterwards are not lost. The channel closes after a terminal event, when
// ctx is done or when cancel is called.
func (b *ProgressBus) Subscribe(ctx context.Context, submissionID string) (<-chan model.ProgressEvent, func(), error) {
	ps := b.cli.Subscribe(ctx, progressChannel(submissionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	ctx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = ps.Close()
		})
	}

	out := make(chan model.ProgressEvent, 16)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev model.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Str("submission_id", submissionID).Msg("undecodable progress event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
