package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLeaseTTL   = 2 * time.Minute
	defaultRetryEvery = 50 * time.Millisecond
	leaseOpTimeout    = 2 * time.Second
)

// Mutex is the per-key lock the conversation and checkout layers depend on.
// Locker satisfies it for a single process, RedisLocker across instances.
type Mutex interface {
	Lock(ctx context.Context, key string) (func(), error)
	TryLock(key string) (func(), bool)
}

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	LockKey(name string) string
}

// RedisLocker holds a SETNX lease per key on top of the in-process Locker, so
// two bot instances never run the same user's action at once. A lease expires
// after its TTL if the holder dies.
type RedisLocker struct {
	local *Locker
	store leaseStore
	ttl   time.Duration
	retry time.Duration
}

// NewRedis builds a RedisLocker. ttl must outlive the longest critical section.
func NewRedis(store leaseStore, ttl time.Duration) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis client required for key locks")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLocker{local: New(), store: store, ttl: ttl, retry: defaultRetryEvery}, nil
}

// TryLock takes key without waiting. A Redis failure reports the key as held.
func (l *RedisLocker) TryLock(key string) (func(), bool) {
	release, ok := l.local.TryLock(key)
	if !ok {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()
	owner, ok, err := l.acquire(ctx, key)
	if err != nil || !ok {
		release()
		return nil, false
	}
	return l.unlocker(key, owner, release), true
}

// Lock polls for the lease until it is granted or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	release, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		owner, ok, err := l.acquire(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		if ok {
			return l.unlocker(key, owner, release), nil
		}
		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) acquire(ctx context.Context, key string) (string, bool, error) {
	owner := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.store.LockKey(key), owner, l.ttl)
	if err != nil {
		return "", false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return owner, ok, nil
}

func (l *RedisLocker) unlocker(key, owner string, release func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer release()
			ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
			defer cancel()
			// a lease that expired and was taken over belongs to someone else now
			value, err := l.store.Get(ctx, l.store.LockKey(key))
			if err != nil || value != owner {
				return
			}
			_ = l.store.Del(ctx, l.store.LockKey(key))
		})
	}
}

var (
	_ Mutex = (*Locker)(nil)
	_ Mutex = (*RedisLocker)(nil)
)
