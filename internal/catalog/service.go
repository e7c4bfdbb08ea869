package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
)

const browseLimit = 50

type productStore interface {
	FindByID(ctx context.Context, id string) (*models.Product, error)
	ListActive(ctx context.Context, limit int) ([]models.Product, error)
}

// Service exposes the read-only catalog used by the cart and the bot.
type Service struct {
	repo productStore
}

// NewService builds a catalog service.
func NewService(repo productStore) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("product repository required")
	}
	return &Service{repo: repo}, nil
}

// Lookup resolves a product variant that can be sold right now. An empty sku
// selects the default variant. Unknown ids, products that are not active and
// variants without stock are validation errors.
func (s *Service) Lookup(ctx context.Context, productID, sku string) (*models.Product, *models.ProductVariant, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	product, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown product %q", id))
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load product")
	}
	if !product.IsAvailable() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("product %q is not available", id)).
			WithDetails(map[string]any{"status": product.Status, "stock": product.TotalStock()})
	}

	var variant *models.ProductVariant
	if strings.TrimSpace(sku) == "" {
		variant = product.DefaultVariant()
	} else {
		variant = product.Variant(sku)
		if variant == nil {
			return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("product %q has no variant %q", id, models.NormalizeSKU(sku)))
		}
	}
	if variant.Stock <= 0 {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is out of stock", product.LineName(variant)))
	}
	return product, variant, nil
}

// Browse lists active products that still have stock.
func (s *Service) Browse(ctx context.Context) ([]models.Product, error) {
	products, err := s.repo.ListActive(ctx, browseLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "list products")
	}
	available := products[:0]
	for _, p := range products {
		if p.IsAvailable() {
			available = append(available, p)
		}
	}
	return available, nil
}
