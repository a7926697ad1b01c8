package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)
	return NewStore(gdb), mock
}

func TestGormStore_LockPaymentByProvider(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	t.Run("row lock", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM "payments" WHERE provider = \$1 AND provider_payment_id = \$2 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "provider_payment_id", "status", "amount", "currency"}).
				AddRow(7, ProviderCrypto, "inv-1", PaymentPending, "5.000000", "USDT"))

		p, err := store.LockPaymentByProvider(ctx, ProviderCrypto, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, uint(7), p.ID)
		assert.Equal(t, PaymentPending, p.Status)
		assert.Equal(t, "5", p.Amount.String())
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM "payments" WHERE provider = \$1 AND provider_payment_id = \$2 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.LockPaymentByProvider(ctx, ProviderCrypto, "unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ExpireStaleOrders(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "orders" SET .* WHERE status = \$\d+ AND expires_at IS NOT NULL AND expires_at < \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ExpireStaleOrders(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CountActiveSubscriptions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "vpn_subscriptions" WHERE server_id = \$1 AND is_active = \$2 AND expires_at > \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := store.CountActiveSubscriptions(context.Background(), 2, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_LockWalletCreatesMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "wallets" WHERE user_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO "wallets" .*ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery(`SELECT \* FROM "wallets" WHERE user_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance"}).AddRow(11, 3, "0"))

	w, err := store.LockWallet(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint(11), w.ID)
	assert.True(t, w.Balance.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
