package adapter

import (
	"context"

	"grading-orchestrator/internal/domain/model"
)

// OCRResult is the layout extracted from one image. Width and Height are
// zero when the engine does not report page dimensions.
type OCRResult struct {
	Lines  []model.OCRLine
	Width  int
	Height int
}

// OCREngine is a black-box text/layout extractor.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, img model.Image) (OCRResult, error)
}
