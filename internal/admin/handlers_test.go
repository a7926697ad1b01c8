package admin

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/db/dbtest"
	"vpn-miniapp-backend/internal/services"
)

type stubRefunder struct {
	got uint
	err error
}

func (s *stubRefunder) RefundOrder(ctx context.Context, id uint) (*db.Order, error) {
	s.got = id
	if s.err != nil {
		return nil, s.err
	}
	return &db.Order{ID: id, Status: db.OrderFailed, Refunded: true, PriceUSDT: decimal.RequireFromString("4.5")}, nil
}

type stubHealth []services.ServerStatus

func (s stubHealth) CheckAll(ctx context.Context) ([]services.ServerStatus, error) { return s, nil }

const adminTG = 777

func newCommands() (*Commands, *dbtest.MemStore, *stubRefunder) {
	store := dbtest.NewMemStore()
	ref := &stubRefunder{}
	return &Commands{
		AdminID:   adminTG,
		JWTSecret: "secret",
		Store:     store,
		Orders:    ref,
		Health: stubHealth{
			{ServerID: 1, Name: "Amsterdam", IP: "203.0.113.10", Online: true, Load: 3, MaxConn: 10},
			{ServerID: 2, Name: "Helsinki", IP: "203.0.113.11", Online: false, Error: "timeout"},
		},
		Now: func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	}, store, ref
}

func TestCommands_OnlyAdmin(t *testing.T) {
	c, _, _ := newCommands()
	ctx := context.Background()

	_, ok := c.Handle(ctx, 12345, "admin_stats", "")
	assert.False(t, ok)
	_, ok = c.Handle(ctx, adminTG, "start", "")
	assert.False(t, ok)

	r, ok := c.Handle(ctx, adminTG, "admin_nope", "")
	assert.True(t, ok)
	assert.Contains(t, r.Text, "Неизвестная команда")

	c.AdminID = 0
	_, ok = c.Handle(ctx, 0, "admin_help", "")
	assert.False(t, ok)
}

func TestCommands_Token(t *testing.T) {
	c, _, _ := newCommands()
	c.Now = nil
	r, ok := c.Handle(context.Background(), adminTG, "admin_token", "")
	require.True(t, ok)
	tok := r.Text[len("Токен на 12 ч:\n"):]

	claims, err := ParseToken("secret", tok)
	require.NoError(t, err)
	assert.Equal(t, int64(adminTG), claims.TelegramID)
}

func TestCommands_Refund(t *testing.T) {
	c, _, ref := newCommands()
	ctx := context.Background()

	r, _ := c.Handle(ctx, adminTG, "admin_refund", "")
	assert.Contains(t, r.Text, "Использование")
	r, _ = c.Handle(ctx, adminTG, "admin_refund", "abc")
	assert.Equal(t, "Неверный номер заказа", r.Text)

	r, _ = c.Handle(ctx, adminTG, "admin_refund", "42")
	assert.Equal(t, uint(42), ref.got)
	assert.Equal(t, "Заказ #42: 4.50 USDT возвращены на баланс", r.Text)

	ref.err = services.ErrOrderNotRefundable
	r, _ = c.Handle(ctx, adminTG, "admin_refund", "43")
	assert.Equal(t, "Ошибка: ORDER_NOT_REFUNDABLE", r.Text)
}

func TestCommands_User(t *testing.T) {
	c, store, _ := newCommands()
	ctx := context.Background()
	u := store.AddUser(db.User{TelegramID: 100, Username: "alice"})
	store.SetBalance(u.ID, decimal.NewFromInt(12))
	store.AddSubscription(db.VPNSubscription{
		UserID: u.ID, ServerID: 1, ClientEmail: "vpn_100_1", IsActive: true,
		ExpiresAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	})

	r, _ := c.Handle(ctx, adminTG, "admin_user", "100")
	assert.Contains(t, r.Text, "@alice")
	assert.Contains(t, r.Text, "Баланс: 12.00 USDT")
	assert.Contains(t, r.Text, "до 01.04.2025 00:00 (активна)")

	r, _ = c.Handle(ctx, adminTG, "admin_user", "999")
	assert.Equal(t, "Пользователь не найден", r.Text)
}

func TestCommands_Servers(t *testing.T) {
	c, _, _ := newCommands()
	r, _ := c.Handle(context.Background(), adminTG, "admin_servers", "")
	assert.Contains(t, r.Text, "Amsterdam (203.0.113.10): online, нагрузка: 3/10")
	assert.Contains(t, r.Text, "Helsinki (203.0.113.11): offline")
}

func TestCommands_NoDatabase(t *testing.T) {
	c, _, _ := newCommands()
	ctx := context.Background()
	for _, cmd := range []string{"admin_stats", "admin_failed", "admin_payments"} {
		r, ok := c.Handle(ctx, adminTG, cmd, "")
		assert.True(t, ok)
		assert.Equal(t, "Статистика недоступна", r.Text, cmd)
	}
	r, _ := c.Handle(ctx, adminTG, "admin_backup", "")
	assert.Equal(t, "Бэкапы не настроены", r.Text)
}

func TestCommands_Failed(t *testing.T) {
	cat, mock := newMockCatalog(t)
	c, _, _ := newCommands()
	c.DB = cat.db
	stuck := c.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT \* FROM "orders" WHERE .*status = \$1 OR \(status IN \(\$2,\$3\) AND updated_at < \$4\).* ORDER BY id desc LIMIT \$5`).
		WithArgs(db.OrderFailed, db.OrderPaid, db.OrderProcessing, c.Now().Add(-stuckAfter), listLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "purpose", "provider", "status", "fail_reason", "refunded", "updated_at"}).
			AddRow(10, 4, db.PurposeBuy, db.ProviderStars, db.OrderPaid, "", false, stuck).
			AddRow(9, 3, db.PurposeBuy, db.ProviderCrypto, db.OrderFailed, "panel timeout", true, stuck))

	r, _ := c.Handle(context.Background(), adminTG, "admin_failed", "")
	assert.Equal(t, "#10 user=4 "+db.PurposeBuy+" "+db.ProviderStars+": завис в "+db.OrderPaid+" с 10.03 11:00\n"+
		"#9 user=3 "+db.PurposeBuy+" "+db.ProviderCrypto+": panel timeout (возвращён)", r.Text)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommands_PaymentsBadDate(t *testing.T) {
	cat, _ := newMockCatalog(t)
	c, _, _ := newCommands()
	c.DB = cat.db
	r, _ := c.Handle(context.Background(), adminTG, "admin_payments", "2025-13-01 2025-03-01")
	assert.Equal(t, "Неверный формат даты (from)", r.Text)
}

func TestFormatRevenue(t *testing.T) {
	st := &db.Stats{Revenue: map[string]decimal.Decimal{
		"XTR": decimal.NewFromInt(150),
		"RUB": decimal.RequireFromString("899.5"),
	}}
	assert.Equal(t, "899.50 RUB, 150.00 XTR", formatRevenue(st))
	assert.Equal(t, "0", formatRevenue(&db.Stats{}))
}
