package reconcile

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storebot/pkg/db/models"
)

// EventRepository is the durable ledger of processed provider events.
type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) WithTx(tx *gorm.DB) *EventRepository {
	if tx == nil {
		return r
	}
	return &EventRepository{db: tx}
}

// Exists reports whether eventID was already recorded.
func (r *EventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var row models.ProcessedEvent
	err := r.db.WithContext(ctx).Select("event_id").Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert records the event and fails on a duplicate id.
func (r *EventRepository) Insert(ctx context.Context, event *models.ProcessedEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// Record stores the event unless it is already present.
func (r *EventRepository) Record(ctx context.Context, event *models.ProcessedEvent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(event).Error
}

// PurgeBefore deletes entries processed before cutoff.
func (r *EventRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("processed_at < ?", cutoff).Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
