package cart

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
)

const (
	defaultMaxQuantity = 99
	lockPrefix         = "cart:"
)

type productLookup interface {
	Lookup(ctx context.Context, productID, sku string) (*models.Product, *models.ProductVariant, error)
}

// ServiceParams wires the cart service dependencies.
type ServiceParams struct {
	Repo        Repository
	Products    productLookup
	Locks       *keylock.Locker
	Logger      *logger.Logger
	TTL         time.Duration
	MaxQuantity int
	Clock       func() time.Time
}

// Service owns every cart mutation. Calls for the same user are serialized;
// readers only ever see whole carts.
type Service struct {
	repo        Repository
	products    productLookup
	locks       *keylock.Locker
	logg        *logger.Logger
	ttl         time.Duration
	maxQuantity int
	now         func() time.Time
	validate    *validator.Validate
}

type lineInput struct {
	UserID    int64  `validate:"required"`
	ProductID string `validate:"required,max=64"`
	Variant   string `validate:"omitempty,min=3,max=32"`
	Quantity  int    `validate:"gte=0"`
}

// NewService validates params and builds a cart service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if params.Products == nil {
		return nil, fmt.Errorf("product lookup required")
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("cart ttl must be positive")
	}
	locks := params.Locks
	if locks == nil {
		locks = keylock.New()
	}
	maxQty := params.MaxQuantity
	if maxQty <= 0 {
		maxQty = defaultMaxQuantity
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:        params.Repo,
		products:    params.Products,
		locks:       locks,
		logg:        params.Logger,
		ttl:         params.TTL,
		maxQuantity: maxQty,
		now:         clock,
		validate:    validator.New(),
	}, nil
}

// Get returns a copy of the user's cart. Expired carts are deleted and reported empty.
func (s *Service) Get(ctx context.Context, userID int64) (*models.Cart, error) {
	var out *models.Cart
	err := s.withUser(ctx, userID, func(current *models.Cart) error {
		out = current.Clone()
		return nil
	})
	return out, err
}

// Snapshot returns a deep copy that later cart mutations cannot affect.
func (s *Service) Snapshot(ctx context.Context, userID int64) (*models.Cart, error) {
	return s.Get(ctx, userID)
}

// AddItem adds qty units of a product variant, merging into an existing line
// for the same variant and capping the line at the configured maximum. An
// empty variant selects the product's default one.
func (s *Service) AddItem(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error) {
	if err := s.validateLine(userID, productID, variant, qty, true); err != nil {
		return nil, err
	}
	product, picked, err := s.products.Lookup(ctx, productID, variant)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(cart *models.Cart) error {
		if len(cart.Items) == 0 {
			cart.Currency = product.Currency
		} else if cart.Currency != product.Currency {
			return pkgerrors.New(pkgerrors.CodeValidation, "product currency does not match cart currency")
		}
		for i := range cart.Items {
			if cart.Items[i].Matches(product.ID, picked.SKU) {
				merged := min(cart.Items[i].Quantity+qty, s.maxQuantity)
				if err := checkStock(product, picked, merged); err != nil {
					return err
				}
				cart.Items[i].Quantity = merged
				return nil
			}
		}
		if err := checkStock(product, picked, qty); err != nil {
			return err
		}
		cart.Items = append(cart.Items, models.CartItem{
			ProductID:      product.ID,
			Variant:        picked.SKU,
			Name:           product.LineName(picked),
			Quantity:       qty,
			UnitPriceCents: picked.PriceCents,
		})
		return nil
	})
}

func checkStock(product *models.Product, variant *models.ProductVariant, qty int) error {
	if qty <= variant.Stock {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("only %d of %s left", variant.Stock, product.LineName(variant))).
		WithDetails(map[string]any{"stock": variant.Stock, "quantity": qty})
}

// RemoveItem removes qty units of a line. The line disappears when it reaches
// zero. An empty variant matches the product's only line.
func (s *Service) RemoveItem(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error) {
	if err := s.validateLine(userID, productID, variant, qty, true); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, func(cart *models.Cart) error {
		idx, err := indexOf(cart.Items, productID, variant)
		if err != nil {
			return err
		}
		cart.Items[idx].Quantity -= qty
		if cart.Items[idx].Quantity <= 0 {
			cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		}
		return nil
	})
}

// UpdateQuantity sets an exact quantity for a line already in the cart. Zero removes it.
func (s *Service) UpdateQuantity(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error) {
	if err := s.validateLine(userID, productID, variant, qty, false); err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, func(cart *models.Cart) error {
		idx, err := indexOf(cart.Items, productID, variant)
		if err != nil {
			return err
		}
		if qty == 0 {
			cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
			return nil
		}
		cart.Items[idx].Quantity = qty
		return nil
	})
}

// Clear empties the cart but keeps its record. Clearing an empty or missing cart is a no-op.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	return s.withUser(ctx, userID, func(current *models.Cart) error {
		if current.IsEmpty() {
			return nil
		}
		current.Items = []models.CartItem{}
		return s.save(ctx, current)
	})
}

// RemoveCheckedOut takes the lines checked out into orderID out of the cart.
// Units added after the snapshot was taken stay. The cart remembers the order,
// so repeating the call for the same order is a no-op.
func (s *Service) RemoveCheckedOut(ctx context.Context, userID int64, orderID string, items []models.CartItem) error {
	if orderID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	return s.withUser(ctx, userID, func(current *models.Cart) error {
		if current.CheckedOutOrder == orderID {
			return nil
		}
		for _, item := range items {
			for i := range current.Items {
				if current.Items[i].Matches(item.ProductID, item.Variant) {
					current.Items[i].Quantity -= item.Quantity
					break
				}
			}
		}
		kept := make([]models.CartItem, 0, len(current.Items))
		for _, line := range current.Items {
			if line.Quantity > 0 {
				kept = append(kept, line)
			}
		}
		current.Items = kept
		current.CheckedOutOrder = orderID
		return s.save(ctx, current)
	})
}

// Restore repopulates an empty cart with items. It reports false without
// changes when the cart already holds items.
func (s *Service) Restore(ctx context.Context, userID int64, currency enums.Currency, items []models.CartItem) (bool, error) {
	if len(items) == 0 {
		return false, nil
	}
	restored := false
	err := s.withUser(ctx, userID, func(current *models.Cart) error {
		if !current.IsEmpty() {
			return nil
		}
		current.Currency = currency
		current.Items = make([]models.CartItem, 0, len(items))
		for _, item := range items {
			if item.Quantity <= 0 {
				continue
			}
			item.Quantity = min(item.Quantity, s.maxQuantity)
			current.Items = append(current.Items, item)
		}
		restored = len(current.Items) > 0
		if !restored {
			return nil
		}
		return s.save(ctx, current)
	})
	return restored, err
}

// SweepExpired deletes every cart whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "sweep expired carts")
	}
	return n, nil
}

func (s *Service) mutate(ctx context.Context, userID int64, fn func(cart *models.Cart) error) (*models.Cart, error) {
	var out *models.Cart
	err := s.withUser(ctx, userID, func(current *models.Cart) error {
		if err := fn(current); err != nil {
			return err
		}
		if err := s.save(ctx, current); err != nil {
			return err
		}
		out = current.Clone()
		return nil
	})
	return out, err
}

// withUser runs fn under the per-user lock with the current, unexpired cart.
func (s *Service) withUser(ctx context.Context, userID int64, fn func(current *models.Cart) error) error {
	if userID == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	unlock, err := s.locks.Lock(ctx, lockPrefix+strconv.FormatInt(userID, 10))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "cart busy")
	}
	defer unlock()

	current, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	return fn(current)
}

func (s *Service) load(ctx context.Context, userID int64) (*models.Cart, error) {
	stored, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load cart")
	}
	now := s.now()
	if stored != nil && stored.IsExpired(now) {
		if err := s.repo.Delete(ctx, userID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "delete expired cart")
		}
		if s.logg != nil {
			s.logg.Info(s.logg.WithUserID(ctx, userID), "expired cart discarded")
		}
		stored = nil
	}
	if stored == nil {
		return &models.Cart{UserID: userID, Items: []models.CartItem{}, CreatedAt: now}, nil
	}
	return stored, nil
}

func (s *Service) save(ctx context.Context, cart *models.Cart) error {
	now := s.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	if cart.Items == nil {
		cart.Items = []models.CartItem{}
	}
	if cart.Currency == "" {
		cart.Currency = enums.CurrencyEUR
	}
	cart.UpdatedAt = now
	cart.ExpiresAt = now.Add(s.ttl)
	if err := s.repo.Save(ctx, cart); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "save cart")
	}
	return nil
}

func (s *Service) validateLine(userID int64, productID, variant string, qty int, positive bool) error {
	input := lineInput{UserID: userID, ProductID: strings.TrimSpace(productID), Variant: strings.TrimSpace(variant), Quantity: qty}
	if err := s.validate.Struct(input); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cart line")
	}
	rule := fmt.Sprintf("gte=0,lte=%d", s.maxQuantity)
	if positive {
		rule = fmt.Sprintf("gte=1,lte=%d", s.maxQuantity)
	}
	if err := s.validate.Var(qty, rule); err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("quantity must be between %d and %d", boolToMin(positive), s.maxQuantity)).
			WithDetails(map[string]any{"quantity": qty})
	}
	return nil
}

func boolToMin(positive bool) int {
	if positive {
		return 1
	}
	return 0
}

// indexOf finds the line for productID and variant. Without a variant the
// product must have exactly one line in the cart.
func indexOf(items []models.CartItem, productID, variant string) (int, error) {
	id := strings.TrimSpace(productID)
	sku := models.NormalizeSKU(variant)
	found := -1
	for i := range items {
		if items[i].ProductID != id {
			continue
		}
		if sku != "" {
			if items[i].Variant == sku {
				return i, nil
			}
			continue
		}
		if found >= 0 {
			return -1, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is in the cart in several variants, name one", id))
		}
		found = i
	}
	if found < 0 {
		return -1, pkgerrors.New(pkgerrors.CodeNotFound, "product not in cart")
	}
	return found, nil
}
