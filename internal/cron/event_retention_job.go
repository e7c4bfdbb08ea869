package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/storebot/pkg/logger"
)

const defaultEventRetention = 30 * 24 * time.Hour

type processedEventPurger interface {
	PurgeProcessedEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// NewEventRetentionJob trims the processed provider event ledger. Retention
// must exceed the provider's redelivery window or old events could apply twice.
func NewEventRetentionJob(logg *logger.Logger, purger processedEventPurger, retention time.Duration) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if purger == nil {
		return nil, fmt.Errorf("event purger required")
	}
	if retention <= 0 {
		retention = defaultEventRetention
	}
	return &eventRetentionJob{logg: logg, purger: purger, retention: retention}, nil
}

type eventRetentionJob struct {
	logg      *logger.Logger
	purger    processedEventPurger
	retention time.Duration
}

func (j *eventRetentionJob) Name() string { return "processed-event-retention" }

func (j *eventRetentionJob) Run(ctx context.Context) error {
	deleted, err := j.purger.PurgeProcessedEvents(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("purge processed events: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "processed event retention complete")
	return nil
}
