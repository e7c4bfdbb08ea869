package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
)

// Repository persists the notification outbox.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Enqueue(ctx context.Context, tx *gorm.DB, notification *models.Notification) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, cause error, next time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, at time.Time) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Notification, error)
	DeleteFinishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// Enqueue inserts the row in tx. A second row for the same (order, transition) is dropped.
func (r *repositoryImpl) Enqueue(ctx context.Context, tx *gorm.DB, notification *models.Notification) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if notification.Status == "" {
		notification.Status = enums.NotificationStatusPending
	}
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "transition"}},
			DoNothing: true,
		}).
		Create(notification).Error
}

// FetchDue returns pending rows whose next attempt is due, oldest first.
// On postgres concurrent dispatchers skip rows another transaction holds.
func (r *repositoryImpl) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_attempt_at <= ?", enums.NotificationStatusPending, now).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.NotificationStatusSent,
			"sent_at":       at,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    nil,
			"updated_at":    at,
		}).Error
}

func (r *repositoryImpl) MarkRetry(ctx context.Context, id uuid.UUID, cause error, next time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      cause.Error(),
			"next_attempt_at": next,
		}).Error
}

func (r *repositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, cause error, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.NotificationStatusFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    cause.Error(),
			"updated_at":    at,
		}).Error
}

func (r *repositoryImpl) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteFinishedBefore removes sent and failed rows last touched before cutoff.
func (r *repositoryImpl) DeleteFinishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	res := conn.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []enums.NotificationStatus{enums.NotificationStatusSent, enums.NotificationStatusFailed}, cutoff).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}
