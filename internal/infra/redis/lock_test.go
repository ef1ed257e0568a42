//go:build !integration

package redis

import (
	"context"
	"testing"
	"time"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestClient(t)
	l := NewLocker(c)

	token, ok, err := l.TryLock(ctx, "submission:s1", 5*time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("first lock: %q %v %v", token, ok, err)
	}

	if _, ok, _ := l.TryLock(ctx, "submission:s1", 5*time.Second); ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := l.Unlock(ctx, "submission:s1", "not-the-token"); err != nil {
		t.Fatalf("unlock with foreign token: %v", err)
	}
	if !mr.Exists("lock:submission:s1") {
		t.Fatal("foreign token released the lock")
	}

	if err := l.Unlock(ctx, "submission:s1", token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, ok, _ := l.TryLock(ctx, "submission:s1", 5*time.Second); !ok {
		t.Fatal("lock not reusable after unlock")
	}

	t.Run("expires with ttl", func(t *testing.T) {
		if _, ok, _ := l.TryLock(ctx, "k", time.Second); !ok {
			t.Fatal("lock k")
		}
		mr.FastForward(2 * time.Second)
		if _, ok, _ := l.TryLock(ctx, "k", time.Second); !ok {
			t.Fatal("expired lock still held")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestClient(t)
	rl := NewRateLimiter(c, "intake", 3, time.Minute)

	for i := range 3 {
		ok, remaining, _, err := rl.Allow(ctx, ClientKey("c1"))
		if err != nil || !ok {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		if remaining != 2-i {
			t.Fatalf("request %d: remaining %d", i, remaining)
		}
	}

	ok, remaining, retry, err := rl.Allow(ctx, ClientKey("c1"))
	if err != nil || ok || remaining != 0 {
		t.Fatalf("over limit: %v %d %v", ok, remaining, err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry after: %v", retry)
	}

	if ok, _, _, _ := rl.Allow(ctx, ClientKey("c2")); !ok {
		t.Fatal("limit leaked across clients")
	}

	mr.FastForward(time.Minute)
	if ok, _, _, _ := rl.Allow(ctx, ClientKey("c1")); !ok {
		t.Fatal("window did not reset")
	}
}
