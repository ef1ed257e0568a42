package repository

import (
	"context"
	"time"

	"grading-orchestrator/internal/domain/model"
)

// CacheStore is a content-addressed store of grading results keyed by the
// hash of normalized text. Lookup degrades to a miss on backend failure.
type CacheStore interface {
	Lookup(ctx context.Context, text string) (*model.CacheEntry, bool)
	Store(ctx context.Context, text string, result model.GradingResult, ttl time.Duration) error
	Stats(ctx context.Context) (model.CacheStats, error)
	// Clear removes entries whose hash matches the glob pattern and returns how many were removed.
	Clear(ctx context.Context, pattern string) (int, error)
}
