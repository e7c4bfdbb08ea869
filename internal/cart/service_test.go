package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storebot/pkg/db/dbtest"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
)

type stubProducts map[string]models.Product

func (s stubProducts) Lookup(_ context.Context, id, sku string) (*models.Product, *models.ProductVariant, error) {
	p, ok := s[id]
	if !ok {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown product")
	}
	v := p.DefaultVariant()
	if sku != "" {
		v = p.Variant(sku)
	}
	if v == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown variant")
	}
	return &p, v, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func stocked(id, name string, currency enums.Currency, variants ...models.ProductVariant) models.Product {
	return models.Product{ID: id, Name: name, Currency: currency, Status: enums.ProductStatusActive, Variants: variants}
}

var catalog = stubProducts{
	"tea": stocked("tea", "Tea", enums.CurrencyEUR,
		models.ProductVariant{ProductID: "tea", SKU: "TEA-100", Name: "100g", PriceCents: 500, Stock: 200},
		models.ProductVariant{ProductID: "tea", SKU: "TEA-250", Name: "250g", PriceCents: 1100, Stock: 3},
	),
	"mug": stocked("mug", "Mug", enums.CurrencyEUR, models.ProductVariant{ProductID: "mug", SKU: "MUG", Name: "Mug", PriceCents: 1200, Stock: 50}),
	"hat": stocked("hat", "Hat", enums.CurrencyUSD, models.ProductVariant{ProductID: "hat", SKU: "HAT", Name: "Hat", PriceCents: 900, Stock: 50}),
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	client := dbtest.Open(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(ServiceParams{
		Repo:     NewGormRepository(client.DB()),
		Products: catalog,
		TTL:      72 * time.Hour,
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	return svc, clock
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{Products: catalog, TTL: time.Hour})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Repo: NewGormRepository(nil), TTL: time.Hour})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Repo: NewGormRepository(nil), Products: catalog})
	require.Error(t, err)
}

func TestAddItemMergesAndCaps(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 2)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "mug", "", 1)
	require.NoError(t, err)
	cart, err := svc.AddItem(ctx, 1, "tea", "", 98)
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	require.Equal(t, "tea", cart.Items[0].ProductID)
	require.Equal(t, "TEA-100", cart.Items[0].Variant)
	require.Equal(t, "Tea (100g)", cart.Items[0].Name)
	require.Equal(t, 99, cart.Items[0].Quantity)
	require.Equal(t, "mug", cart.Items[1].ProductID)
	require.Equal(t, enums.CurrencyEUR, cart.Currency)
	require.Equal(t, int64(99*500+1200), cart.TotalCents())
}

func TestAddItemRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, qty := range []int{0, -1, 100} {
		_, err := svc.AddItem(ctx, 1, "tea", "", qty)
		require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "qty %d", qty)
	}
	_, err := svc.AddItem(ctx, 1, "", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.AddItem(ctx, 0, "tea", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.AddItem(ctx, 1, "nope", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "hat", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "mixed currency must be rejected")
}

func TestRemoveAndUpdateQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 3)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "mug", "", 1)
	require.NoError(t, err)

	cart, err := svc.RemoveItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	require.Equal(t, 2, cart.Items[0].Quantity)

	cart, err = svc.RemoveItem(ctx, 1, "tea", "", 5)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Equal(t, "mug", cart.Items[0].ProductID)

	cart, err = svc.UpdateQuantity(ctx, 1, "mug", "", 7)
	require.NoError(t, err)
	require.Equal(t, 7, cart.Items[0].Quantity)

	cart, err = svc.UpdateQuantity(ctx, 1, "mug", "", 0)
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())

	_, err = svc.RemoveItem(ctx, 1, "tea", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAddItemKeepsVariantsOnSeparateLines(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "tea-100", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "tea", "TEA-250", 2)
	require.NoError(t, err)
	cart, err := svc.AddItem(ctx, 1, "tea", " tea-100", 1)
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	require.Equal(t, 2, cart.Items[0].Quantity)
	require.Equal(t, "TEA-250", cart.Items[1].Variant)
	require.Equal(t, int64(1100), cart.Items[1].UnitPriceCents)
	require.Equal(t, int64(2*500+2*1100), cart.TotalCents())
}

func TestAddItemRespectsVariantStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "TEA-250", 2)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "tea", "TEA-250", 2)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	require.Contains(t, err.Error(), "only 3 of Tea (250g) left")

	_, err = svc.AddItem(ctx, 1, "tea", "TEA-999", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, cart.Items[0].Quantity, "rejected add leaves the line alone")
}

func TestRemoveNeedsVariantWhenAmbiguous(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "TEA-100", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "tea", "TEA-250", 1)
	require.NoError(t, err)

	_, err = svc.RemoveItem(ctx, 1, "tea", "", 1)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	cart, err := svc.RemoveItem(ctx, 1, "tea", "tea-250", 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Equal(t, "TEA-100", cart.Items[0].Variant)

	cart, err = svc.UpdateQuantity(ctx, 1, "tea", "", 4)
	require.NoError(t, err)
	require.Equal(t, 4, cart.Items[0].Quantity)
}

func TestSnapshotIsIsolatedFromLaterMutations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 2)
	require.NoError(t, err)
	snap, err := svc.Snapshot(ctx, 1)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, 1, "tea", "", 5)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "mug", "", 1)
	require.NoError(t, err)

	require.Len(t, snap.Items, 1)
	require.Equal(t, 2, snap.Items[0].Quantity)
	require.Equal(t, int64(1000), snap.TotalCents())
}

func TestExpiredCartReadsEmpty(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 2)
	require.NoError(t, err)

	clock.Advance(71 * time.Hour)
	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, cart.IsEmpty())

	// a read does not refresh expiry, only mutations do
	clock.Advance(2 * time.Hour)
	cart, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())

	stored, err := svc.repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, stored, "expired cart should be deleted lazily")
}

func TestMutationRefreshesExpiry(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	clock.Advance(70 * time.Hour)
	_, err = svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	clock.Advance(70 * time.Hour)

	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, cart.Items[0].Quantity)
}

func TestClearIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Clear(ctx, 1))
	_, err := svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, 1))
	require.NoError(t, svc.Clear(ctx, 1))

	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())

	stored, err := svc.repo.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, stored, "clear keeps the record")
}

func TestRemoveCheckedOutKeepsLaterEdits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 2)
	require.NoError(t, err)
	snap, err := svc.Snapshot(ctx, 1)
	require.NoError(t, err)

	// edits that land while the order is being created
	_, err = svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "mug", "", 1)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveCheckedOut(ctx, 1, "order-1", snap.Items))
	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)
	require.Equal(t, 1, cart.Items[0].Quantity)
	require.Equal(t, "mug", cart.Items[1].ProductID)

	// a repeat for the same order must not subtract twice
	require.NoError(t, svc.RemoveCheckedOut(ctx, 1, "order-1", snap.Items))
	cart, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, cart.Items[0].Quantity)

	stored, err := svc.repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "order-1", stored.CheckedOutOrder)

	err = svc.RemoveCheckedOut(ctx, 1, "", snap.Items)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRemoveCheckedOutUntouchedCartEndsEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 2)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 1, "mug", "", 1)
	require.NoError(t, err)
	snap, err := svc.Snapshot(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveCheckedOut(ctx, 1, "order-2", snap.Items))
	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.IsEmpty())
}

func TestRestoreOnlyIntoEmptyCart(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	items := []models.CartItem{{ProductID: "tea", Name: "Tea", Quantity: 2, UnitPriceCents: 500}}

	ok, err := svc.Restore(ctx, 1, enums.CurrencyEUR, items)
	require.NoError(t, err)
	require.True(t, ok)

	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Equal(t, int64(1000), cart.TotalCents())

	ok, err = svc.Restore(ctx, 1, enums.CurrencyEUR, []models.CartItem{{ProductID: "mug", Quantity: 1, UnitPriceCents: 1200}})
	require.NoError(t, err)
	require.False(t, ok)

	cart, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "tea", cart.Items[0].ProductID)
}

func TestSweepExpired(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 1, "tea", "", 1)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = svc.AddItem(ctx, 2, "tea", "", 1)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	cart, err := svc.Get(ctx, 2)
	require.NoError(t, err)
	require.False(t, cart.IsEmpty())
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddItem(ctx, 1, "tea", "", 1); err != nil {
				t.Errorf("add item: %v", err)
			}
		}()
	}
	wg.Wait()

	cart, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 20, cart.Items[0].Quantity)
}
