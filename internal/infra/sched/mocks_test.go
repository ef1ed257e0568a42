//go:build !integration

package sched

import (
	"context"
	"errors"
	"time"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
)

// reapQueue returns a scripted ReapResult; every other method is unused.
type reapQueue struct {
	repository.TaskQueue
	result model.ReapResult
	err    error
	stats  model.QueueStats
	calls  int
}

func (q *reapQueue) Reap(context.Context, time.Time) (model.ReapResult, error) {
	q.calls++
	return q.result, q.err
}

func (q *reapQueue) Stats(context.Context) (model.QueueStats, error) {
	q.calls++
	return q.stats, q.err
}

type failSink struct {
	failed map[string]string
	err    error
}

func (s *failSink) Fail(_ context.Context, sub model.Submission, cause error) error {
	if s.err != nil {
		return s.err
	}
	if s.failed == nil {
		s.failed = map[string]string{}
	}
	s.failed[sub.ID] = domain.Reason(cause)
	return nil
}

var errBackend = errors.New("backend down")
