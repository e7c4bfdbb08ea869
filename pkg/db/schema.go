package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/db/models"
)

// Index names shared by the goose migrations and the sqlite schema.
const (
	IndexOrdersActiveUser    = "idx_orders_active_user"
	IndexOrdersPaymentIntent = "idx_orders_payment_intent_id"
	IndexNotificationsOrder  = "idx_notifications_order_transition"
)

var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + IndexOrdersActiveUser + ` ON orders (user_id) WHERE status IN ('pending', 'awaiting_payment')`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications (status, next_attempt_at)`,
}

// AutoMigrate creates the schema from the model structs. Production uses the
// goose migrations; this path backs sqlite dev mode and tests.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.Product{},
		&models.ProductVariant{},
		&models.Cart{},
		&models.Order{},
		&models.OrderLineItem{},
		&models.OrderStatusEvent{},
		&models.ProcessedEvent{},
		&models.Notification{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range partialIndexes {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
