package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(conn))
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromConn(conn)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&models.Product{ID: "sku-1", Name: "committed", Currency: enums.CurrencyEUR, Status: enums.ProductStatusActive}).Error
	}))

	var count int64
	require.NoError(t, conn.Model(&models.Product{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&models.Product{ID: "sku-2", Name: "rolled", Currency: enums.CurrencyEUR}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	require.NoError(t, conn.Model(&models.Product{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestActiveOrderIndexRejectsSecondActiveOrder(t *testing.T) {
	conn := newTestDB(t)

	first := &models.Order{UserID: 7, Status: enums.OrderStatusPending, Currency: enums.CurrencyEUR, TotalCents: 1000}
	require.NoError(t, conn.Create(first).Error)

	second := &models.Order{UserID: 7, Status: enums.OrderStatusPending, Currency: enums.CurrencyEUR, TotalCents: 1000}
	err := conn.Create(second).Error
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err, IndexOrdersActiveUser, "orders.user_id"))

	// terminal orders do not count against the index
	require.NoError(t, conn.Model(first).Update("status", enums.OrderStatusPaymentFailed).Error)
	require.NoError(t, conn.Create(second).Error)
}

func TestPaymentIntentIndexIsUnique(t *testing.T) {
	conn := newTestDB(t)
	intent := "pi_123"

	require.NoError(t, conn.Create(&models.Order{UserID: 1, Status: enums.OrderStatusPaid, Currency: enums.CurrencyEUR, TotalCents: 1, PaymentIntentID: &intent}).Error)
	err := conn.Create(&models.Order{UserID: 2, Status: enums.OrderStatusPaid, Currency: enums.CurrencyEUR, TotalCents: 1, PaymentIntentID: &intent}).Error
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err, IndexOrdersPaymentIntent, "orders.payment_intent_id"))
	require.False(t, IsUniqueViolation(err, IndexOrdersActiveUser, "orders.user_id"))
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	require.False(t, IsUniqueViolation(nil))
	require.False(t, IsUniqueViolation(errors.New("connection refused")))
	require.True(t, IsUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_x"`), "idx_x"))
	require.True(t, IsNotFound(gorm.ErrRecordNotFound))
}
