package cart

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storebot/pkg/db/models"
)

// Repository persists one cart document per user.
type Repository interface {
	// Get returns nil, nil when the user has no cart record.
	Get(ctx context.Context, userID int64) (*models.Cart, error)
	Save(ctx context.Context, cart *models.Cart) error
	Delete(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GormRepository stores carts in the relational database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository constructs a cart repository bound to the provided DB.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// Save upserts the whole cart row so line items change in a single write.
func (r *GormRepository) Save(ctx context.Context, cart *models.Cart) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"items", "currency", "checked_out_order", "updated_at", "expires_at"}),
		}).
		Create(cart).Error
}

func (r *GormRepository) Delete(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Cart{}).Error
}

func (r *GormRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.Cart{})
	return res.RowsAffected, res.Error
}
