package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/enums"
)

// Notification is an outbox row for a user-facing order transition.
// (order_id, transition) is unique so a transition enqueues at most one message.
type Notification struct {
	ID            uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID                `gorm:"column:order_id;type:uuid;not null;uniqueIndex:idx_notifications_order_transition"`
	Transition    enums.OrderStatus        `gorm:"column:transition;not null;uniqueIndex:idx_notifications_order_transition"`
	UserID        int64                    `gorm:"column:user_id;not null"`
	TemplateKey   string                   `gorm:"column:template_key;not null"`
	Context       map[string]any           `gorm:"column:context;type:jsonb;serializer:json"`
	Status        enums.NotificationStatus `gorm:"column:status;not null;default:'pending';index"`
	AttemptCount  int                      `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string                  `gorm:"column:last_error"`
	NextAttemptAt time.Time                `gorm:"column:next_attempt_at;not null"`
	SentAt        *time.Time               `gorm:"column:sent_at"`
	CreatedAt     time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (n *Notification) BeforeCreate(*gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}
