package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/pagination"
)

// ListFilter narrows admin order listings.
type ListFilter struct {
	Status *enums.OrderStatus
	UserID *int64
	Limit  int
	Cursor *pagination.Cursor
}

// StatusUpdate is a compare-and-swap status write.
type StatusUpdate struct {
	OrderID        uuid.UUID
	From           enums.OrderStatus
	To             enums.OrderStatus
	IntentID       *string
	ProviderStatus *string
	At             time.Time
}

// RevenueRow aggregates paid totals per currency.
type RevenueRow struct {
	Currency   enums.Currency
	TotalCents int64
	Orders     int64
}

// Repository persists orders and their history.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
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

// Create inserts the order with its line items and history.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *Repository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("occurred_at ASC") })
}

// FindByID loads an order with items and history.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.preloaded(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByIDForUpdate loads the order row under a row lock inside a transaction.
func (r *Repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByIntentID loads the order bound to a payment intent.
func (r *Repository) FindByIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	var order models.Order
	if err := r.preloaded(ctx).Where("payment_intent_id = ?", intentID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// FindActiveByUser returns the user's pending or awaiting_payment order.
func (r *Repository) FindActiveByUser(ctx context.Context, userID int64) (*models.Order, error) {
	var order models.Order
	err := r.preloaded(ctx).
		Where("user_id = ? AND status IN ?", userID, enums.ActiveOrderStatuses).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus applies the update only if the order is still in From.
func (r *Repository) UpdateStatus(ctx context.Context, upd StatusUpdate) (bool, error) {
	values := map[string]any{
		"status":     upd.To,
		"updated_at": upd.At,
	}
	query := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", upd.OrderID, upd.From)
	if upd.IntentID != nil {
		values["payment_intent_id"] = *upd.IntentID
		query = query.Where("payment_intent_id IS NULL")
	}
	if upd.ProviderStatus != nil {
		values["provider_status"] = *upd.ProviderStatus
	}
	res := query.Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateProviderStatus records the last provider-reported status.
func (r *Repository) UpdateProviderStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{"provider_status": status, "updated_at": at}).Error
}

// AppendHistory adds a status history entry.
func (r *Repository) AppendHistory(ctx context.Context, event *models.OrderStatusEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// MarkCartCleared flags that the source cart was emptied.
func (r *Repository) MarkCartCleared(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Update("cart_cleared", true).Error
}

// List returns orders newest first using keyset pagination. It fetches one extra row.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]models.Order, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}
	var rows []models.Order
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(filter.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CountByStatus returns the number of orders per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.OrderStatus]int64, error) {
	var rows []struct {
		Status enums.OrderStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OrderStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// PaidRevenue sums totals of orders that were paid, per currency.
func (r *Repository) PaidRevenue(ctx context.Context) ([]RevenueRow, error) {
	var rows []RevenueRow
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select("currency, SUM(total_cents) AS total_cents, COUNT(*) AS orders").
		Where("status IN ?", []enums.OrderStatus{enums.OrderStatusPaid, enums.OrderStatusShipped, enums.OrderStatusDelivered}).
		Group("currency").
		Order("currency ASC").
		Scan(&rows).Error
	return rows, err
}

// FindAwaitingBefore lists awaiting_payment orders untouched since cutoff.
func (r *Repository) FindAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", enums.OrderStatusAwaitingPayment, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FindStalePending lists pending orders with no bound intent created before cutoff.
func (r *Repository) FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_intent_id IS NULL AND created_at < ?", enums.OrderStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
