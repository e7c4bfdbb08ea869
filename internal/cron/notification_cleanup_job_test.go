package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/internal/notifications"
	"github.com/angelmondragon/storebot/pkg/db/dbtest"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

func TestNotificationCleanupJobDeletesFinishedRows(t *testing.T) {
	client := dbtest.Open(t)
	repo := notifications.NewRepository(client.DB())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-45 * 24 * time.Hour)

	seed := func(status enums.NotificationStatus, to enums.OrderStatus, touched time.Time) uuid.UUID {
		row := &models.Notification{
			OrderID:       uuid.New(),
			Transition:    to,
			UserID:        7,
			TemplateKey:   "order." + string(to),
			Status:        status,
			NextAttemptAt: touched,
			CreatedAt:     touched,
			UpdatedAt:     touched,
		}
		require.NoError(t, client.DB().Create(row).Error)
		return row.OrderID
	}
	seed(enums.NotificationStatusSent, enums.OrderStatusPaid, old)
	seed(enums.NotificationStatusFailed, enums.OrderStatusShipped, old)
	pendingOrder := seed(enums.NotificationStatusPending, enums.OrderStatusPaid, old)
	recentOrder := seed(enums.NotificationStatusSent, enums.OrderStatusDelivered, now.Add(-time.Hour))

	jobIface, err := NewNotificationCleanupJob(NotificationCleanupJobParams{
		Logger:     testLogger(),
		DB:         client,
		Repository: repo,
	})
	require.NoError(t, err)
	job := jobIface.(*notificationCleanupJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	var remaining []models.Notification
	require.NoError(t, client.DB().Order("created_at ASC").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, pendingOrder, remaining[0].OrderID)
	require.Equal(t, recentOrder, remaining[1].OrderID)
}

func TestNotificationCleanupJobPropagatesErrors(t *testing.T) {
	jobIface, err := NewNotificationCleanupJob(NotificationCleanupJobParams{
		Logger:     testLogger(),
		DB:         passthroughTx{},
		Repository: failingCleanupRepo{},
	})
	require.NoError(t, err)
	require.Error(t, jobIface.Run(context.Background()))
}

type failingCleanupRepo struct{}

func (failingCleanupRepo) DeleteFinishedBefore(context.Context, *gorm.DB, time.Time) (int64, error) {
	return 0, errors.New("boom")
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}
