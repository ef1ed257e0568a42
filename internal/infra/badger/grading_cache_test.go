//go:build !integration

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
)

func openTestCache(t *testing.T, dir string) *GradingCache {
	t.Helper()
	logger := zerolog.Nop()
	c, err := Open(dir, &logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c
}

func TestGradingCache_InMemory(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t, "")
	defer c.Close()

	res := model.GradingResult{SubmissionID: "s1", Score: 7, MaxScore: 10}

	if _, ok := c.Lookup(ctx, "Q1: 2+2=4"); ok {
		t.Fatal("hit on empty cache")
	}
	if err := c.Store(ctx, "Q1: 2+2=4", res, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}
	e, ok := c.Lookup(ctx, "  q1:   2+2=4 ")
	if !ok || e.Result.Score != 7 {
		t.Fatalf("lookup: %+v %v", e, ok)
	}

	t.Run("logical expiry", func(t *testing.T) {
		c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { c.now = time.Now }()
		if _, ok := c.Lookup(ctx, "Q1: 2+2=4"); ok {
			t.Fatal("expired entry returned")
		}
	})

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Hits != 1 || st.Misses != 2 || st.EntryCount != 1 {
		t.Fatalf("stats: %+v", st)
	}

	t.Run("clear by pattern", func(t *testing.T) {
		_ = c.Store(ctx, "other text", res, time.Hour)
		prefix := model.ContentHash("other text")[:8]
		n, err := c.Clear(ctx, prefix+"*")
		if err != nil || n != 1 {
			t.Fatalf("clear: %d %v", n, err)
		}
		if _, ok := c.Lookup(ctx, "Q1: 2+2=4"); !ok {
			t.Fatal("clear removed a non-matching entry")
		}
		if n, _ := c.Clear(ctx, ""); n != 1 {
			t.Fatalf("clear all: %d", n)
		}
	})

	t.Run("bad pattern", func(t *testing.T) {
		if _, err := c.Clear(ctx, "[a-"); err == nil {
			t.Fatal("want pattern error")
		}
	})
}

func TestGradingCache_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c := openTestCache(t, dir)
	if err := c.Store(ctx, "persisted", model.GradingResult{Score: 3}, time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c = openTestCache(t, dir)
	defer c.Close()
	if e, ok := c.Lookup(ctx, "persisted"); !ok || e.Result.Score != 3 {
		t.Fatalf("entry lost across reopen: %+v %v", e, ok)
	}
}
