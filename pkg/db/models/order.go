package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/enums"
)

// Order is the durable record created at checkout. Line items and total never change after creation.
type Order struct {
	ID              uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID          int64              `gorm:"column:user_id;not null;index"`
	Status          enums.OrderStatus  `gorm:"column:status;not null"`
	Currency        enums.Currency     `gorm:"column:currency;not null"`
	TotalCents      int64              `gorm:"column:total_cents;not null"`
	PaymentIntentID *string            `gorm:"column:payment_intent_id;uniqueIndex:idx_orders_payment_intent_id"`
	ProviderStatus  *string            `gorm:"column:provider_status"`
	CartCleared     bool               `gorm:"column:cart_cleared;not null;default:false"`
	Items           []OrderLineItem    `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	History         []OrderStatusEvent `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// IntentID returns the bound payment intent id or an empty string.
func (o *Order) IntentID() string {
	if o == nil || o.PaymentIntentID == nil {
		return ""
	}
	return *o.PaymentIntentID
}

// OrderLineItem is an immutable copy of a cart line at checkout time.
type OrderLineItem struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	Position       int       `gorm:"column:position;not null"`
	ProductID      string    `gorm:"column:product_id;not null"`
	Variant        string    `gorm:"column:variant;not null;default:''"`
	Name           string    `gorm:"column:name;not null"`
	Quantity       int       `gorm:"column:quantity;not null"`
	UnitPriceCents int64     `gorm:"column:unit_price_cents;not null"`
	LineTotalCents int64     `gorm:"column:line_total_cents;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// CartItem converts the line back into the cart line it was copied from.
func (i OrderLineItem) CartItem() CartItem {
	return CartItem{
		ProductID:      i.ProductID,
		Variant:        i.Variant,
		Name:           i.Name,
		Quantity:       i.Quantity,
		UnitPriceCents: i.UnitPriceCents,
	}
}

// CartItems converts every line of the order back into cart lines.
func (o *Order) CartItems() []CartItem {
	items := make([]CartItem, 0, len(o.Items))
	for _, line := range o.Items {
		items = append(items, line.CartItem())
	}
	return items
}

func (i *OrderLineItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// OrderStatusEvent is one append-only entry of an order's status history.
type OrderStatusEvent struct {
	ID         uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index"`
	FromStatus *enums.OrderStatus    `gorm:"column:from_status"`
	ToStatus   enums.OrderStatus     `gorm:"column:to_status;not null"`
	Cause      enums.TransitionCause `gorm:"column:cause;not null"`
	EventID    *string               `gorm:"column:event_id"`
	OccurredAt time.Time             `gorm:"column:occurred_at;not null"`
}

func (e *OrderStatusEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
