package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storebot/pkg/redis"
)

type fakeLock struct {
	acquired bool
	held     bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired || f.held {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name        string
	err         error
	runs        int
	hadDeadline bool
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(ctx context.Context) error {
	t.runs++
	_, t.hadDeadline = ctx.Deadline()
	return t.err
}

func TestServiceRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Logger:     testLogger(),
		Registry:   NewRegistry(success, failure),
		Lock:       lock,
		JobTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job to run once, got %d and %d", success.runs, failure.runs)
	}
	if !success.hadDeadline {
		t.Fatalf("expected job context to carry a deadline")
	}
	if lock.acquired {
		t.Fatalf("expected lock released after the cycle")
	}
}

func TestServiceSkipsCycleWhenLockHeld(t *testing.T) {
	job := &testJob{name: "job"}
	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{held: true},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped, ran %d", job.runs)
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "job"}
	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisLockIsExclusiveAndOwned(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	first, err := NewRedisLock(client, "cron", time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	second, err := NewRedisLock(client, "cron", time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if !mr.Exists(client.LockKey("cron")) {
		t.Fatalf("non-owner release must not delete the lock")
	}

	mr.FastForward(2 * time.Minute)
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after ttl: ok=%v err=%v", ok, err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("stale owner release: %v", err)
	}
	if !mr.Exists(client.LockKey("cron")) {
		t.Fatalf("stale owner must not delete the new holder's lock")
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if mr.Exists(client.LockKey("cron")) {
		t.Fatalf("expected lock deleted by its owner")
	}
}
