package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ adapter.ProgressPublisher = (*Recorder)(nil)

// Recorder persists submission state transitions under the submission lock
// and announces them on the progress bus. Terminal writes are first-wins:
// a second terminal write for the same submission is ignored.
type Recorder struct {
	repo     repository.SubmissionRepository
	tm       repository.TransactionManager
	locker   repository.Locker
	bus      adapter.ProgressPublisher
	lockTTL  time.Duration
	lockWait time.Duration
	now      func() time.Time
	log      *zerolog.Logger
}

func NewRecorder(repo repository.SubmissionRepository, tm repository.TransactionManager, locker repository.Locker,
	bus adapter.ProgressPublisher, lockTTL time.Duration, logger *zerolog.Logger) *Recorder {
	l := logger.With().Str("component", "recorder").Logger()
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Recorder{
		repo:     repo,
		tm:       tm,
		locker:   locker,
		bus:      bus,
		lockTTL:  lockTTL,
		lockWait: 2 * time.Second,
		now:      time.Now,
		log:      &l,
	}
}

// Publish records the current stage and forwards the event. Both steps are
// best effort; progress never fails a grading run.
func (r *Recorder) Publish(ctx context.Context, ev model.ProgressEvent) error {
	if !ev.Terminal && ev.Stage != "" {
		err := r.repo.UpdateStage(ctx, repository.NoTX, ev.SubmissionID, model.StatusProcessing, ev.Stage)
		if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			r.log.Debug().Err(err).Str("submission_id", ev.SubmissionID).Msg("stage update failed")
		}
	}
	return r.publish(ctx, ev)
}

// Started marks a dequeued submission as processing.
func (r *Recorder) Started(ctx context.Context, sub model.Submission) error {
	err := r.repo.UpdateStage(ctx, repository.NoTX, sub.ID, model.StatusProcessing, model.StageQueued)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		return err
	}
	if err != nil {
		r.log.Warn().Err(err).Str("submission_id", sub.ID).Msg("mark processing failed")
	}
	return nil
}

func (r *Recorder) Complete(ctx context.Context, sub model.Submission, res *model.GradingResult) error {
	return r.finish(ctx, sub.ID, model.StatusDone, model.StageDone, res, "")
}

func (r *Recorder) Fail(ctx context.Context, sub model.Submission, cause error) error {
	return r.finish(ctx, sub.ID, model.StatusFailed, model.StageFailed, nil, domain.Reason(cause))
}

func (r *Recorder) Cancel(ctx context.Context, submissionID string) error {
	return r.finish(ctx, submissionID, model.StatusCancelled, model.StageCancelled, nil, domain.Reason(domain.Cancelled("cancel")))
}

// RetryLater returns the submission to queued with a user-visible reason.
func (r *Recorder) RetryLater(ctx context.Context, sub model.Submission, cause error, after time.Duration) error {
	metrics.IncGradingJob("retry_later")
	if err := r.repo.UpdateStage(ctx, repository.NoTX, sub.ID, model.StatusQueued, model.StageQueued); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}
	return r.publish(ctx, model.ProgressEvent{
		SubmissionID: sub.ID,
		Stage:        model.StageQueued,
		Status:       model.StatusQueued,
		Message:      fmt.Sprintf("%s; retrying in %s", domain.Reason(cause), after.Round(time.Second)),
		Reason:       domain.Reason(cause),
		At:           r.now(),
	})
}

func (r *Recorder) finish(ctx context.Context, id string, status model.SubmissionStatus, stage model.Stage,
	res *model.GradingResult, reason string) error {
	err := WithLock(ctx, r.locker, SubmissionLockKey(id), r.lockTTL, r.lockWait, func(ctx context.Context) error {
		return r.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
			return r.repo.Finish(ctx, tx, id, status, res, reason)
		})
	})
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		r.log.Info().Str("submission_id", id).Str("status", string(status)).Msg("already terminal; outcome dropped")
		return nil
	}
	if err != nil {
		r.log.Error().Err(err).Str("submission_id", id).Str("status", string(status)).Msg("persist outcome failed")
		return err
	}
	metrics.IncGradingJob(string(status))

	ev := model.ProgressEvent{
		SubmissionID: id,
		Stage:        stage,
		Terminal:     true,
		Status:       status,
		Result:       res,
		Reason:       reason,
		At:           r.now(),
	}
	switch status {
	case model.StatusDone:
		ev.PercentComplete, ev.Message = 100, "grading complete"
	case model.StatusCancelled:
		ev.Message = "grading cancelled"
	default:
		ev.Message = reason
	}
	return r.publish(ctx, ev)
}

func (r *Recorder) publish(ctx context.Context, ev model.ProgressEvent) error {
	if r.bus == nil {
		return nil
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.log.Debug().Err(err).Str("submission_id", ev.SubmissionID).Msg("progress publish failed")
	}
	return nil
}
