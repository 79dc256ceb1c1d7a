package catalog

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireLockSecondCallerBlocked(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	l1, err := acquireLock(ctx, rdb, "token-a")
	if err != nil {
		t.Fatalf("first acquireLock: %v", err)
	}

	if _, err := acquireLock(ctx, rdb, "token-b"); err != ErrLockHeld {
		t.Fatalf("second acquireLock: got %v, want ErrLockHeld", err)
	}

	if err := l1.release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := acquireLock(ctx, rdb, "token-b"); err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
}

func TestLockReleaseOnlyDropsOwnToken(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	l1, err := acquireLock(ctx, rdb, "token-a")
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}

	// Simulate token-a's lock expiring and token-c reacquiring it.
	if err := rdb.Del(ctx, SyncLockKey).Err(); err != nil {
		t.Fatalf("Del: %v", err)
	}
	l2, err := acquireLock(ctx, rdb, "token-c")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	// token-a's stale release must not drop token-c's lock.
	if err := l1.release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := acquireLock(ctx, rdb, "token-d"); err != ErrLockHeld {
		t.Fatalf("expected token-c's lock to still be held, got %v", err)
	}

	if err := l2.release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
