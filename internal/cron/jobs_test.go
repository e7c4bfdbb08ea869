package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type reconcilerStub struct {
	staleAfter     time.Duration
	pendingTimeout time.Duration
	recoverErr     error
	pendingCalls   int
}

func (r *reconcilerStub) RecoverStale(_ context.Context, staleAfter time.Duration) (int, error) {
	r.staleAfter = staleAfter
	return 2, r.recoverErr
}

func (r *reconcilerStub) FailStalePending(_ context.Context, timeout time.Duration) (int, error) {
	r.pendingTimeout = timeout
	r.pendingCalls++
	return 1, nil
}

func TestPaymentReconcileJobRunsBothSweeps(t *testing.T) {
	stub := &reconcilerStub{recoverErr: errors.New("provider down")}
	job, err := NewPaymentReconcileJob(PaymentReconcileJobParams{
		Logger:     testLogger(),
		Reconciler: stub,
		StaleAfter: 10 * time.Minute,
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.ErrorContains(t, err, "provider down")
	require.Equal(t, 10*time.Minute, stub.staleAfter)
	require.Equal(t, defaultPendingTimeout, stub.pendingTimeout)
	require.Equal(t, 1, stub.pendingCalls)
}

type purgerStub struct {
	retention time.Duration
	err       error
}

func (p *purgerStub) PurgeProcessedEvents(_ context.Context, retention time.Duration) (int64, error) {
	p.retention = retention
	return 3, p.err
}

func TestEventRetentionJob(t *testing.T) {
	stub := &purgerStub{}
	job, err := NewEventRetentionJob(testLogger(), stub, 0)
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, defaultEventRetention, stub.retention)

	stub.err = errors.New("boom")
	require.Error(t, job.Run(context.Background()))
}

type sweeperStub struct {
	calls int
	err   error
}

func (s *sweeperStub) SweepExpired(context.Context) (int64, error) {
	s.calls++
	return 4, s.err
}

func TestCartSweepJob(t *testing.T) {
	stub := &sweeperStub{}
	job, err := NewCartSweepJob(testLogger(), stub)
	require.NoError(t, err)
	require.Equal(t, "cart-sweep", job.Name())
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, stub.calls)

	_, err = NewCartSweepJob(testLogger(), nil)
	require.Error(t, err)
}
