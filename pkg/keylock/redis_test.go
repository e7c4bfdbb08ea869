package keylock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storebot/pkg/redis"
)

// twoInstances returns lockers that share one Redis like two bot replicas would.
func twoInstances(t *testing.T) (*RedisLocker, *RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	newLocker := func() *RedisLocker {
		client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
		l, err := NewRedis(client, time.Minute)
		if err != nil {
			t.Fatalf("new redis locker: %v", err)
		}
		l.retry = 5 * time.Millisecond
		return l
	}
	return newLocker(), newLocker(), mr
}

func TestRedisTryLockExcludesOtherInstance(t *testing.T) {
	a, b, _ := twoInstances(t)

	unlock, ok := a.TryLock("conv:42")
	if !ok {
		t.Fatalf("expected first instance to take the lease")
	}
	if _, ok := b.TryLock("conv:42"); ok {
		t.Fatalf("second instance must not take a held lease")
	}
	if other, ok := b.TryLock("conv:43"); !ok {
		t.Fatalf("another user should be free")
	} else {
		other()
	}

	unlock()
	unlock()
	again, ok := b.TryLock("conv:42")
	if !ok {
		t.Fatalf("expected lease to be free after release")
	}
	again()
	if a.local.Len() != 0 || b.local.Len() != 0 {
		t.Fatalf("expected local keys to be dropped")
	}
}

func TestRedisLockWaitsForRelease(t *testing.T) {
	a, b, _ := twoInstances(t)
	unlock, ok := a.TryLock("conv:7")
	if !ok {
		t.Fatalf("expected lease")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "conv:7"); err == nil {
		t.Fatalf("expected context error while lease is held")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		unlock()
	}()
	got, err := b.Lock(context.Background(), "conv:7")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	got()
}

func TestRedisExpiredLeaseIsNotDeletedByOldHolder(t *testing.T) {
	a, b, mr := twoInstances(t)
	stale, ok := a.TryLock("checkout:9")
	if !ok {
		t.Fatalf("expected lease")
	}

	mr.FastForward(2 * time.Minute)
	fresh, ok := b.TryLock("checkout:9")
	if !ok {
		t.Fatalf("expected expired lease to be taken over")
	}

	stale()
	if _, ok := a.TryLock("checkout:9"); ok {
		t.Fatalf("old holder released a lease it no longer owns")
	}
	fresh()
}

func TestRedisTryLockFailsClosedWhenRedisIsDown(t *testing.T) {
	a, _, mr := twoInstances(t)
	mr.Close()
	if _, ok := a.TryLock("conv:1"); ok {
		t.Fatalf("expected busy when the lease cannot be written")
	}
	if a.local.Len() != 0 {
		t.Fatalf("local key must be released on failure")
	}
}

func TestNewRedisRequiresStore(t *testing.T) {
	if _, err := NewRedis(nil, time.Minute); err == nil {
		t.Fatalf("expected error without store")
	}
}
