package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ repository.SubmissionRepository = (*submissionRepo)(nil)

type submissionRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewSubmissionRepo(pool *pgxpool.Pool) *submissionRepo {
	return &submissionRepo{pool: pool, now: time.Now}
}

const submissionColumns = `
id, assignment_id, images, rubric, strictness, max_score, execution_mode, subject, has_figures,
priority, submitted_at, status, stage, result, failure_reason, created_at, updated_at`

func (r *submissionRepo) Create(ctx context.Context, tx repository.Tx, rec *model.SubmissionRecord) error {
	s := rec.Submission
	images, err := json.Marshal(s.Images)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.StatusQueued
	}
	if rec.Stage == "" {
		rec.Stage = model.StageQueued
	}

	const q = `
INSERT INTO submissions (` + submissionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULL,'',$14,$15);`

	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, s.AssignmentID, images, s.Rubric, string(s.Strictness), s.MaxScore, string(s.ExecutionMode),
		s.Subject, s.HasFigures, int(s.Priority), s.SubmittedAt, string(rec.Status), string(rec.Stage),
		rec.CreatedAt, rec.UpdatedAt)
	switch {
	case err == nil:
		metrics.IncSubmissionWrite("create", "ok")
		return nil
	case isUniqueViolation(err):
		metrics.IncSubmissionWrite("create", "duplicate")
		return fmt.Errorf("submission %s: %w", s.ID, domain.ErrAlreadyExists)
	default:
		metrics.IncSubmissionWrite("create", "error")
		return err
	}
}

func (r *submissionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SubmissionRecord, error) {
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSubmission(row)
}

// UpdateStage moves a non-terminal record; terminal records are left untouched.
func (r *submissionRepo) UpdateStage(ctx context.Context, tx repository.Tx, id string, status model.SubmissionStatus, stage model.Stage) error {
	const q = `
UPDATE submissions
   SET status=$2, stage=$3, updated_at=$4
 WHERE id=$1 AND status NOT IN ('done','failed','cancelled');`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(status), string(stage), r.now().UTC())
	if err != nil {
		metrics.IncSubmissionWrite("update_stage", "error")
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explainNoop(ctx, tx, id, "update_stage")
	}
	metrics.IncSubmissionWrite("update_stage", "ok")
	return nil
}

// Finish stores the first terminal outcome. The status guard in the WHERE
// clause makes a concurrent second write a no-op even without a lock.
func (r *submissionRepo) Finish(ctx context.Context, tx repository.Tx, id string, status model.SubmissionStatus,
	result *model.GradingResult, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with %q: %w", status, domain.ErrInvalidArgument)
	}
	var payload []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		payload = b
	}
	stage := model.Stage(status)
	const q = `
UPDATE submissions
   SET status=$2, stage=$3, result=$4, failure_reason=$5, updated_at=$6
 WHERE id=$1 AND status NOT IN ('done','failed','cancelled');`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(status), string(stage), payload, reason, r.now().UTC())
	if err != nil {
		metrics.IncSubmissionWrite("finish", "error")
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explainNoop(ctx, tx, id, "finish")
	}
	metrics.IncSubmissionWrite("finish", string(status))
	return nil
}

func (r *submissionRepo) explainNoop(ctx context.Context, tx repository.Tx, id, op string) error {
	row, err := pickRow(ctx, r.pool, tx, `SELECT status FROM submissions WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.IncSubmissionWrite(op, "not_found")
			return domain.ErrNotFound
		}
		return err
	}
	metrics.IncSubmissionWrite(op, "terminal")
	return domain.ErrAlreadyTerminal
}

func scanSubmission(row pgx.Row) (*model.SubmissionRecord, error) {
	var (
		rec                           model.SubmissionRecord
		images, result                []byte
		strictness, mode, status, stg string
		priority                      int
	)
	s := &rec.Submission
	err := row.Scan(&s.ID, &s.AssignmentID, &images, &s.Rubric, &strictness, &s.MaxScore, &mode, &s.Subject,
		&s.HasFigures, &priority, &s.SubmittedAt, &status, &stg, &result, &rec.FailureReason,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	s.Strictness = model.Strictness(strictness)
	s.ExecutionMode = model.ExecutionMode(mode)
	s.Priority = model.Priority(priority)
	rec.Status = model.SubmissionStatus(status)
	rec.Stage = model.Stage(stg)
	if err := json.Unmarshal(images, &s.Images); err != nil {
		return nil, fmt.Errorf("%w: images: %v", domain.ErrReadDatabaseRow, err)
	}
	if len(result) > 0 {
		var res model.GradingResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("%w: result: %v", domain.ErrReadDatabaseRow, err)
		}
		rec.Result = &res
	}
	return &rec, nil
}
