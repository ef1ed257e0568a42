package repository

import (
	"context"

	"grading-orchestrator/internal/domain/model"
)

// SubmissionRepository persists submissions and their outcome.
type SubmissionRepository interface {
	// Create returns domain.ErrAlreadyExists for a known submission id.
	Create(ctx context.Context, tx Tx, rec *model.SubmissionRecord) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.SubmissionRecord, error)
	UpdateStage(ctx context.Context, tx Tx, id string, status model.SubmissionStatus, stage model.Stage) error
	// Finish stores the terminal status; it is a no-op error (domain.ErrAlreadyTerminal)
	// when the record is already terminal.
	Finish(ctx context.Context, tx Tx, id string, status model.SubmissionStatus, result *model.GradingResult, reason string) error
}
