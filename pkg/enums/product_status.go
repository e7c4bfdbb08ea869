package enums

import "fmt"

// ProductStatus is the catalog lifecycle of a product.
type ProductStatus string

const (
	ProductStatusActive     ProductStatus = "active"
	ProductStatusDraft      ProductStatus = "draft"
	ProductStatusArchived   ProductStatus = "archived"
	ProductStatusOutOfStock ProductStatus = "out_of_stock"
)

var validProductStatuses = []ProductStatus{
	ProductStatusActive,
	ProductStatusDraft,
	ProductStatusArchived,
	ProductStatusOutOfStock,
}

// IsValid checks whether the given status matches the canonical enum.
func (p ProductStatus) IsValid() bool {
	for _, candidate := range validProductStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseProductStatus converts raw strings into ProductStatus.
func ParseProductStatus(value string) (ProductStatus, error) {
	for _, candidate := range validProductStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid product status %q", value)
}
