package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/logging"
)

// Compile-time check
var _ SubmissionUseCase = (*submissionUC)(nil)

// SubmissionUseCase is the intake, result read, cancel and administration
// surface used by the HTTP API and the CLI.
type SubmissionUseCase interface {
	Submit(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error)
	// SubmitAndWait blocks until the submission reaches a terminal state or
	// wait elapses; on timeout the queued record is returned.
	SubmitAndWait(ctx context.Context, sub model.Submission, wait time.Duration) (*model.SubmissionRecord, error)
	// GetResult returns the record with domain.ErrStillProcessing while it is not terminal.
	GetResult(ctx context.Context, id string) (*model.SubmissionRecord, error)
	Cancel(ctx context.Context, id string) (*model.SubmissionRecord, error)

	CacheStats(ctx context.Context) (model.CacheStats, error)
	ClearCache(ctx context.Context, pattern string) (int, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

type submissionUC struct {
	repo        repository.SubmissionRepository
	queue       repository.TaskQueue
	cache       repository.CacheStore
	events      adapter.ProgressSubscriber
	recorder    *Recorder
	taskTimeout time.Duration
	maxWait     time.Duration
	now         func() time.Time
	log         *zerolog.Logger
}

func NewSubmissionUseCase(
	repo repository.SubmissionRepository,
	queue repository.TaskQueue,
	cache repository.CacheStore,
	events adapter.ProgressSubscriber,
	recorder *Recorder,
	taskTimeout, maxWait time.Duration,
	logger *zerolog.Logger,
) *submissionUC {
	l := logger.With().Str("component", "submission_uc").Logger()
	return &submissionUC{
		repo:        repo,
		queue:       queue,
		cache:       cache,
		events:      events,
		recorder:    recorder,
		taskTimeout: taskTimeout,
		maxWait:     maxWait,
		now:         time.Now,
		log:         &l,
	}
}

func (u *submissionUC) Submit(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error) {
	defer logging.TraceDuration(u.log, "SubmissionUC.Submit")()

	rec, err := u.prepare(sub)
	if err != nil {
		return nil, err
	}
	if err := u.enqueue(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (u *submissionUC) SubmitAndWait(ctx context.Context, sub model.Submission, wait time.Duration) (*model.SubmissionRecord, error) {
	defer logging.TraceDuration(u.log, "SubmissionUC.SubmitAndWait")()

	if wait <= 0 || u.events == nil {
		return u.Submit(ctx, sub)
	}
	if u.maxWait > 0 && wait > u.maxWait {
		wait = u.maxWait
	}
	rec, err := u.prepare(sub)
	if err != nil {
		return nil, err
	}

	// Subscribe first so the terminal event cannot be missed.
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ch, unsubscribe, err := u.events.Subscribe(wctx, rec.Submission.ID)
	if err != nil {
		u.log.Warn().Err(err).Str("submission_id", rec.Submission.ID).Msg("progress subscribe failed; answering asynchronously")
		ch, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	if err := u.enqueue(ctx, rec); err != nil {
		return nil, err
	}
	if ch == nil {
		return rec, nil
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return u.latest(ctx, rec)
			}
			if ev.Terminal {
				return u.latest(ctx, rec)
			}
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return u.latest(ctx, rec)
		}
	}
}

func (u *submissionUC) GetResult(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	defer logging.TraceDuration(u.log, "SubmissionUC.GetResult")()

	rec, err := u.repo.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Terminal() {
		return rec, domain.ErrStillProcessing
	}
	return rec, nil
}

// Cancel removes a queued submission right away; an in-flight one is flagged
// and stops at its next stage boundary.
func (u *submissionUC) Cancel(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	defer logging.TraceDuration(u.log, "SubmissionUC.Cancel")()

	rec, err := u.repo.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, domain.ErrAlreadyTerminal
	}
	removed, err := u.queue.Cancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	if !removed {
		u.log.Info().Str("submission_id", id).Msg("cancellation flagged for in-flight submission")
		return rec, nil
	}
	if err := u.recorder.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return u.latest(ctx, rec)
}

func (u *submissionUC) CacheStats(ctx context.Context) (model.CacheStats, error) {
	return u.cache.Stats(ctx)
}

func (u *submissionUC) ClearCache(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	n, err := u.cache.Clear(ctx, pattern)
	if err != nil {
		return 0, err
	}
	u.log.Info().Str("pattern", pattern).Int("removed", n).Msg("cache cleared")
	return n, nil
}

func (u *submissionUC) QueueStats(ctx context.Context) (model.QueueStats, error) {
	return u.queue.Stats(ctx)
}

func (u *submissionUC) prepare(sub model.Submission) (*model.SubmissionRecord, error) {
	now := u.now()
	sub = sub.WithDefaults(now)
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &model.SubmissionRecord{
		Submission: sub,
		Status:     model.StatusQueued,
		Stage:      model.StageQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (u *submissionUC) enqueue(ctx context.Context, rec *model.SubmissionRecord) error {
	sub := rec.Submission
	if err := u.repo.Create(ctx, repository.NoTX, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Validation("submit", fmt.Errorf("submission %s: %w", sub.ID, domain.ErrAlreadyExists))
		}
		return err
	}
	task := model.NewTask(sub, u.taskTimeout, rec.CreatedAt)
	if err := u.queue.Enqueue(ctx, task); err != nil {
		u.log.Error().Err(err).Str("submission_id", sub.ID).Msg("enqueue failed")
		// The record exists; close it so it does not stay queued forever.
		if ferr := u.recorder.Fail(ctx, sub, domain.Transient("enqueue", err)); ferr != nil {
			u.log.Error().Err(ferr).Str("submission_id", sub.ID).Msg("mark failed after enqueue error")
		}
		return domain.Transient("enqueue", err)
	}
	u.log.Info().
		Str("submission_id", sub.ID).
		Str("assignment_id", sub.AssignmentID).
		Int("images", len(sub.Images)).
		Str("priority", sub.Priority.String()).
		Msg("submission queued")
	return nil
}

// latest re-reads the record, falling back to the one in hand.
func (u *submissionUC) latest(ctx context.Context, rec *model.SubmissionRecord) (*model.SubmissionRecord, error) {
	cur, err := u.repo.FindByID(ctx, repository.NoTX, rec.Submission.ID)
	if err != nil {
		u.log.Warn().Err(err).Str("submission_id", rec.Submission.ID).Msg("re-read failed")
		return rec, nil
	}
	return cur, nil
}
