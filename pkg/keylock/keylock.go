// Package keylock provides per-key mutual exclusion within a process.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one exclusive lock per key. Entries are dropped once no
// caller holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: map[string]*entry{}}
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases the lock.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key without waiting. ok is false when another caller holds it.
func (l *Locker) TryLock(key string) (func(), bool) {
	e := l.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), true
	default:
		l.release(key, e)
		return nil, false
	}
}

func (l *Locker) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}
}

// Len reports how many keys are currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
