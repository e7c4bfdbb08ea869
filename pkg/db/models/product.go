package models

import (
	"strings"
	"time"

	"github.com/angelmondragon/storebot/pkg/enums"
)

// Product is a read-only catalog entry. Prices and stock live on its variants.
type Product struct {
	ID          string              `gorm:"column:id;primaryKey"`
	Name        string              `gorm:"column:name;not null"`
	Description *string             `gorm:"column:description"`
	Currency    enums.Currency      `gorm:"column:currency;not null;default:'EUR'"`
	Status      enums.ProductStatus `gorm:"column:status;not null;default:'draft';index"`
	Variants    []ProductVariant    `gorm:"foreignKey:ProductID;references:ID"`
	CreatedAt   time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// ProductVariant is one purchasable option of a product, such as a size or colour.
type ProductVariant struct {
	ProductID  string `gorm:"column:product_id;primaryKey"`
	SKU        string `gorm:"column:sku;primaryKey"`
	Name       string `gorm:"column:name;not null"`
	PriceCents int64  `gorm:"column:price_cents;not null"`
	Stock      int    `gorm:"column:stock;not null;default:0"`
	Position   int    `gorm:"column:position;not null;default:0"`
}

// NormalizeSKU upper-cases and trims a SKU the way the catalog stores it.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

// Variant returns the variant with the given SKU, or nil.
func (p *Product) Variant(sku string) *ProductVariant {
	sku = NormalizeSKU(sku)
	for i := range p.Variants {
		if p.Variants[i].SKU == sku {
			return &p.Variants[i]
		}
	}
	return nil
}

// DefaultVariant is the first variant still in stock, falling back to the first one.
func (p *Product) DefaultVariant() *ProductVariant {
	if len(p.Variants) == 0 {
		return nil
	}
	for i := range p.Variants {
		if p.Variants[i].Stock > 0 {
			return &p.Variants[i]
		}
	}
	return &p.Variants[0]
}

// MinPriceCents is the cheapest variant price, zero without variants.
func (p *Product) MinPriceCents() int64 {
	var lowest int64
	for i, v := range p.Variants {
		if i == 0 || v.PriceCents < lowest {
			lowest = v.PriceCents
		}
	}
	return lowest
}

// TotalStock sums stock across variants.
func (p *Product) TotalStock() int {
	total := 0
	for _, v := range p.Variants {
		total += v.Stock
	}
	return total
}

// IsAvailable reports whether the product can be added to a cart at all.
func (p *Product) IsAvailable() bool {
	return p.Status == enums.ProductStatusActive && p.TotalStock() > 0
}

// LineName is the display name cached on cart lines.
func (p *Product) LineName(v *ProductVariant) string {
	if v == nil || v.Name == "" || len(p.Variants) == 1 {
		return p.Name
	}
	return p.Name + " (" + v.Name + ")"
}
