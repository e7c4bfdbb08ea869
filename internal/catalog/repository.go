package catalog

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
)

// Repository reads and seeds catalog products.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a product repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func orderedVariants(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, sku ASC")
}

// FindByID loads a product with its variants regardless of status.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Preload("Variants", orderedVariants).
		Where("id = ?", strings.TrimSpace(id)).
		First(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListActive returns active products with their variants ordered by name.
func (r *Repository) ListActive(ctx context.Context, limit int) ([]models.Product, error) {
	var products []models.Product
	query := r.db.WithContext(ctx).
		Preload("Variants", orderedVariants).
		Where("status = ?", enums.ProductStatusActive).
		Order("name ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// Upsert inserts or replaces a product by id together with its full variant list.
func (r *Repository) Upsert(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "description", "currency", "status", "updated_at"}),
			}).
			Create(product).Error
		if err != nil {
			return err
		}
		if err := tx.Where("product_id = ?", product.ID).Delete(&models.ProductVariant{}).Error; err != nil {
			return err
		}
		if len(product.Variants) == 0 {
			return nil
		}
		for i := range product.Variants {
			product.Variants[i].ProductID = product.ID
			product.Variants[i].SKU = models.NormalizeSKU(product.Variants[i].SKU)
			product.Variants[i].Position = i
		}
		return tx.Create(&product.Variants).Error
	})
}
