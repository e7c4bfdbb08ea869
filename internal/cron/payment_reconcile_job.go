package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storebot/pkg/logger"
)

const (
	defaultStaleAfter     = 30 * time.Minute
	defaultPendingTimeout = 15 * time.Minute
)

type paymentReconciler interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
	FailStalePending(ctx context.Context, timeout time.Duration) (int, error)
}

// PaymentReconcileJobParams configure the stale payment sweep.
type PaymentReconcileJobParams struct {
	Logger         *logger.Logger
	Reconciler     paymentReconciler
	StaleAfter     time.Duration
	PendingTimeout time.Duration
}

// NewPaymentReconcileJob polls the provider for orders stuck awaiting payment
// and fails pending orders that never received an intent.
func NewPaymentReconcileJob(params PaymentReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	pendingTimeout := params.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = defaultPendingTimeout
	}
	return &paymentReconcileJob{
		logg:           params.Logger,
		reconciler:     params.Reconciler,
		staleAfter:     staleAfter,
		pendingTimeout: pendingTimeout,
	}, nil
}

type paymentReconcileJob struct {
	logg           *logger.Logger
	reconciler     paymentReconciler
	staleAfter     time.Duration
	pendingTimeout time.Duration
}

func (j *paymentReconcileJob) Name() string { return "payment-reconcile" }

// Run attempts both sweeps even when the first fails.
func (j *paymentReconcileJob) Run(ctx context.Context) error {
	var errs error
	polled, err := j.reconciler.RecoverStale(ctx, j.staleAfter)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("recover stale awaiting orders: %w", err))
	}
	failed, err := j.reconciler.FailStalePending(ctx, j.pendingTimeout)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("fail stale pending orders: %w", err))
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"awaiting_polled": polled,
		"pending_failed":  failed,
	})
	j.logg.Info(logCtx, "payment reconcile sweep complete")
	return errs
}
