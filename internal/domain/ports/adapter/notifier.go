package adapter

import (
	"context"

	"grading-orchestrator/internal/domain/model"
)

// ProgressPublisher pushes orchestrator progress events.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev model.ProgressEvent) error
}

// ProgressSubscriber streams the events of one submission until ctx is done
// or the returned cancel func is called.
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, submissionID string) (<-chan model.ProgressEvent, func(), error)
}
