package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:"), s
}

func TestTryAcquireExclusive(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	first, err := locker.TryAcquire(ctx, "monitor", time.Second)
	if err != nil || first == nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	second, err := locker.TryAcquire(ctx, "monitor", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second acquire to be refused")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	third, err := locker.TryAcquire(ctx, "monitor", time.Second)
	if err != nil || third == nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestLeaseExpires(t *testing.T) {
	locker, s := newLocker(t)
	ctx := context.Background()

	lease, err := locker.TryAcquire(ctx, "monitor", 500*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("acquire: %v", err)
	}

	s.FastForward(time.Second)

	other, err := locker.TryAcquire(ctx, "monitor", time.Second)
	if err != nil || other == nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}
	if err := lease.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld from stale lease, got %v", err)
	}
	if err := lease.Extend(ctx, time.Second); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on extend, got %v", err)
	}
}
