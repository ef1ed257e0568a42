package ocr

import (
	"context"

	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.OCREngine = NoopEngine{}

// NoopEngine recognizes nothing; segmentation then falls back to one
// question per page and grading works from the images alone.
type NoopEngine struct{}

func (NoopEngine) Name() string { return "none" }

func (NoopEngine) Recognize(context.Context, model.Image) (adapter.OCRResult, error) {
	return adapter.OCRResult{}, nil
}
