package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is the durable dedup ledger entry for a provider event id.
type ProcessedEvent struct {
	EventID     string     `gorm:"column:event_id;primaryKey"`
	EventType   string     `gorm:"column:event_type;not null"`
	IntentID    *string    `gorm:"column:intent_id"`
	OrderID     *uuid.UUID `gorm:"column:order_id;type:uuid"`
	Outcome     string     `gorm:"column:outcome;not null"`
	ProcessedAt time.Time  `gorm:"column:processed_at;not null;index"`
}
