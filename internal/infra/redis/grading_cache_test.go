//go:build !integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
)

func TestGradingCache(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestClient(t)
	logger := zerolog.Nop()
	cache := NewGradingCache(c, &logger)

	res := model.GradingResult{SubmissionID: "s1", Score: 8, MaxScore: 10, Confidence: 0.9}
	text := "Question 1:  x = 2\n\nQuestion 2: y = 3"

	t.Run("miss then hit", func(t *testing.T) {
		if _, ok := cache.Lookup(ctx, text); ok {
			t.Fatal("unexpected hit on empty cache")
		}
		if err := cache.Store(ctx, text, res, time.Hour); err != nil {
			t.Fatalf("store: %v", err)
		}
		e, ok := cache.Lookup(ctx, "question 1: x = 2 question 2: y = 3")
		if !ok {
			t.Fatal("normalized text should hit")
		}
		if e.Result.Score != 8 || e.Hash != model.ContentHash(text) {
			t.Fatalf("entry: %+v", e)
		}
	})

	t.Run("stats", func(t *testing.T) {
		st, err := cache.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.Hits != 1 || st.Misses != 1 || st.EntryCount != 1 || st.HitRate != 0.5 {
			t.Fatalf("stats: %+v", st)
		}
	})

	t.Run("corrupt entry is a miss", func(t *testing.T) {
		key := cacheKeyPrefix + model.ContentHash("broken")
		if err := mr.Set(key, "{not json"); err != nil {
			t.Fatal(err)
		}
		if _, ok := cache.Lookup(ctx, "broken"); ok {
			t.Fatal("corrupt entry returned")
		}
		if mr.Exists(key) {
			t.Fatal("corrupt entry kept")
		}
	})

	t.Run("expires with ttl", func(t *testing.T) {
		if err := cache.Store(ctx, "short lived", res, time.Minute); err != nil {
			t.Fatalf("store: %v", err)
		}
		mr.FastForward(2 * time.Minute)
		if _, ok := cache.Lookup(ctx, "short lived"); ok {
			t.Fatal("expired entry returned")
		}
	})

	t.Run("clear stays in namespace", func(t *testing.T) {
		_ = cache.Store(ctx, "a", res, time.Hour)
		_ = cache.Store(ctx, "b", res, time.Hour)
		_ = mr.Set("unrelated", "keep")

		n, err := cache.Clear(ctx, "")
		if err != nil {
			t.Fatalf("clear: %v", err)
		}
		if n < 2 {
			t.Fatalf("removed %d entries", n)
		}
		if !mr.Exists("unrelated") || !mr.Exists(cacheStatsKey) {
			t.Fatal("clear removed keys outside the cache namespace")
		}
		st, _ := cache.Stats(ctx)
		if st.EntryCount != 0 {
			t.Fatalf("entries left: %d", st.EntryCount)
		}
	})

	t.Run("backend down degrades to miss", func(t *testing.T) {
		mr.Close()
		if _, ok := cache.Lookup(ctx, text); ok {
			t.Fatal("hit with backend down")
		}
	})
}
