package adapter

import (
	"context"

	"grading-orchestrator/internal/domain/model"
)

// ImageStore resolves an image reference (https://, s3://, gs://) to its bytes.
type ImageStore interface {
	Fetch(ctx context.Context, ref string) (model.Image, error)
}
