package models

import (
	"time"

	"github.com/angelmondragon/storebot/pkg/enums"
)

// CartItem is one product variant line with the unit price captured when it was added.
type CartItem struct {
	ProductID      string `json:"product_id" bson:"product_id"`
	Variant        string `json:"variant,omitempty" bson:"variant,omitempty"`
	Name           string `json:"name" bson:"name"`
	Quantity       int    `json:"quantity" bson:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents" bson:"unit_price_cents"`
}

// Matches reports whether the line holds productID in the given variant.
func (i CartItem) Matches(productID, variant string) bool {
	return i.ProductID == productID && i.Variant == variant
}

// LineTotalCents returns quantity times the captured unit price.
func (i CartItem) LineTotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// Cart is the per-user mutable basket. Items keep insertion order.
// CheckedOutOrder names the last order whose lines were taken out of it.
type Cart struct {
	UserID          int64          `gorm:"column:user_id;primaryKey;autoIncrement:false" bson:"_id"`
	Items           []CartItem     `gorm:"column:items;type:jsonb;serializer:json;not null" bson:"items"`
	Currency        enums.Currency `gorm:"column:currency;not null;default:'EUR'" bson:"currency"`
	CheckedOutOrder string         `gorm:"column:checked_out_order;not null;default:''" bson:"checked_out_order,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" bson:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" bson:"updated_at"`
	ExpiresAt       time.Time      `gorm:"column:expires_at;not null;index" bson:"expires_at"`
}

// IsEmpty reports whether the cart has no line items.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// IsExpired reports whether the cart's expiry has passed at now.
func (c *Cart) IsExpired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TotalCents sums every line at its captured unit price.
func (c *Cart) TotalCents() int64 {
	if c == nil {
		return 0
	}
	var total int64
	for _, item := range c.Items {
		total += item.LineTotalCents()
	}
	return total
}

// Clone returns a deep copy that shares no slices with the receiver.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Items = make([]CartItem, len(c.Items))
	copy(clone.Items, c.Items)
	return &clone
}
