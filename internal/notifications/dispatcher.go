package notifications

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/internal/alerts"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 2 * time.Second
	defaultSendTimeout = 5 * time.Second
	defaultMaxAttempts = 8
	retryBase          = 2 * time.Second
	maxRetryDelay      = 10 * time.Minute
	maxBackoff         = 30 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

// DispatcherParams wires the outbox dispatcher.
type DispatcherParams struct {
	Config     config.NotificationsConfig
	Logger     *logger.Logger
	DB         dbClient
	Repository Repository
	Notifier   Notifier
	Metrics    *metrics.NotificationMetrics
	Alerts     *alerts.Alerter
	Clock      func() time.Time
}

// Dispatcher drains due outbox rows and delivers them through the Notifier.
type Dispatcher struct {
	logg         *logger.Logger
	db           dbClient
	repo         Repository
	notifier     Notifier
	metrics      *metrics.NotificationMetrics
	alerts       *alerts.Alerter
	now          func() time.Time
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	sendTimeout  time.Duration

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("notification repository is required")
	}
	if params.Notifier == nil {
		return nil, errors.New("notifier is required")
	}

	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := params.Config.PollInterval
	if poll <= 0 {
		poll = defaultPoll
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	timeout := params.Config.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Dispatcher{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		notifier:     params.Notifier,
		metrics:      params.Metrics,
		alerts:       params.Alerts,
		now:          clock,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: poll,
		sendTimeout:  timeout,
		jitter:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run polls until ctx is cancelled. Empty polls sleep for the interval; batch
// errors back off exponentially.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.db.Ping(ctx); err != nil {
		d.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}

	backoff := d.pollInterval
	for {
		select {
		case <-ctx.Done():
			d.logg.Info(ctx, "notification dispatcher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := d.ProcessBatch(ctx)
		if err != nil {
			d.logg.Error(ctx, "notification batch error", err)
			backoff = nextBackoff(backoff, d.pollInterval, maxBackoff)
			if err := sleep(ctx, d.withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = d.pollInterval
		if processed > 0 {
			continue
		}
		if err := sleep(ctx, d.withJitter(d.pollInterval)); err != nil {
			return err
		}
	}
}

// ProcessBatch delivers one batch of due rows and returns how many were handled.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := d.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := d.repo.WithTx(tx)
		rows, err := repo.FetchDue(ctx, d.now(), d.batchSize)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := d.deliver(ctx, repo, row); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (d *Dispatcher) deliver(ctx context.Context, repo Repository, row models.Notification) error {
	fields := map[string]any{
		"notification_id": row.ID.String(),
		"transition":      row.Transition,
		"attempt_count":   row.AttemptCount,
	}
	ctx = d.logg.WithOrderID(d.logg.WithUserID(d.logg.WithFields(ctx, fields), row.UserID), row.OrderID.String())

	text, err := Render(row.TemplateKey, row.Context)
	if err != nil {
		return d.fail(ctx, repo, row, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendErr := d.notifier.Notify(sendCtx, row.UserID, text)
	cancel()

	if sendErr == nil {
		if err := repo.MarkSent(ctx, row.ID, d.now()); err != nil {
			return fmt.Errorf("mark sent %s: %w", row.ID, err)
		}
		d.metrics.Inc("sent")
		d.logg.Info(ctx, "notification sent")
		return nil
	}

	if errors.Is(sendErr, ErrPermanent) || row.AttemptCount+1 >= d.maxAttempts {
		return d.fail(ctx, repo, row, sendErr)
	}

	next := d.now().Add(d.withJitter(retryDelay(row.AttemptCount + 1)))
	if err := repo.MarkRetry(ctx, row.ID, sendErr, next); err != nil {
		return fmt.Errorf("mark retry %s: %w", row.ID, err)
	}
	d.metrics.Inc("retry")
	d.logg.Warn(d.logg.WithField(ctx, "error", sendErr.Error()), "notification delivery failed, will retry")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, repo Repository, row models.Notification, cause error) error {
	if err := repo.MarkFailed(ctx, row.ID, cause, d.now()); err != nil {
		return fmt.Errorf("mark failed %s: %w", row.ID, err)
	}
	d.metrics.Inc("failed")
	d.logg.Error(ctx, "notification will not be retried", cause)
	d.alerts.Raise(ctx, alerts.Alert{
		Kind:    enums.AlertNotificationFailed,
		Message: "user notification could not be delivered",
		OrderID: row.OrderID.String(),
		Details: map[string]any{"transition": row.Transition, "error": cause.Error()},
	})
	return nil
}

// retryDelay doubles from retryBase per attempt, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (d *Dispatcher) withJitter(dur time.Duration) time.Duration {
	if dur <= 0 {
		return 0
	}
	d.jitterMu.Lock()
	defer d.jitterMu.Unlock()
	return dur + time.Duration(d.jitter.Int63n(int64(jitterWindow)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
