package admin

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vpn-miniapp-backend/internal/db"
)

func newMockCatalog(t *testing.T) (*Catalog, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)
	return NewCatalog(gdb), mock
}

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func TestPatchColumns(t *testing.T) {
	port := 8443
	cols := ServerPatch{Name: strPtr("NL-2"), InboundPort: &port}.Columns()
	assert.Equal(t, map[string]interface{}{"name": "NL-2", "inbound_port": 8443}, cols)

	price := decimal.RequireFromString("3.5")
	planID := uint(2)
	cols = BundleTariffPatch{PlanID: &planID, Price: &price}.Columns()
	assert.Len(t, cols, 2)
	assert.Equal(t, uint(2), cols["plan_id"])

	assert.Empty(t, PromoPatch{}.Columns())
}

func TestCatalog_UpdateServer(t *testing.T) {
	c, mock := newMockCatalog(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "servers" SET "max_conn"=\$1 WHERE id = \$2`).
		WithArgs(50, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "servers" WHERE "servers"."id" = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_conn"}).AddRow(3, "NL-1", 50))

	srv, err := c.UpdateServer(ctx, 3, ServerPatch{MaxConn: intPtr(50)})
	require.NoError(t, err)
	assert.Equal(t, 50, srv.MaxConn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog_UpdateErrors(t *testing.T) {
	c, mock := newMockCatalog(t)
	ctx := context.Background()

	_, err := c.UpdateServer(ctx, 3, ServerPatch{})
	assert.ErrorIs(t, err, ErrEmptyPatch)

	_, err = c.UpdateServer(ctx, 3, ServerPatch{InboundPort: intPtr(0)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	mock.ExpectExec(`UPDATE "tariffs" SET "days"=\$1 WHERE id = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = c.UpdateTariff(ctx, 99, TariffPatch{Days: intPtr(60)})
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = c.UpdateTariff(ctx, 1, TariffPatch{Days: intPtr(-1)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog_DeleteCountry(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectExec(`DELETE FROM "countries" WHERE "countries"."id" = \$1`).
		WithArgs(4).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, c.DeleteCountry(context.Background(), 4), db.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog_SetRate(t *testing.T) {
	c, mock := newMockCatalog(t)
	ctx := context.Background()

	_, err := c.SetRate(ctx, "BTC_USDT", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.SetRate(ctx, db.PairUSDTRUB, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)

	mock.ExpectQuery(`INSERT INTO "exchange_rates" .* ON CONFLICT \("pair"\) DO UPDATE SET "rate"="excluded"."rate","updated_at"="excluded"."updated_at" RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	r, err := c.SetRate(ctx, db.PairUSDTRUB, decimal.RequireFromString("92.5"))
	require.NoError(t, err)
	assert.Equal(t, uint(1), r.ID)
	assert.Equal(t, "92.5", r.Rate.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalog_CreateBundlePlan(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "bundle_plans"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectExec(`DELETE FROM "bundle_servers" WHERE plan_id = \$1`).
		WithArgs(5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "bundle_servers" \("plan_id","server_id"\) VALUES \(\$1,\$2\),\(\$3,\$4\)`).
		WithArgs(5, 1, 5, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10).AddRow(11))
	mock.ExpectCommit()

	plan, err := c.CreateBundlePlan(context.Background(), BundlePlanPatch{
		Name:      strPtr("Европа"),
		ServerIDs: []uint{1, 2, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(5), plan.ID)
	assert.True(t, plan.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = c.CreateBundlePlan(context.Background(), BundlePlanPatch{Name: strPtr("Пусто")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCatalog_CreatePromoValidation(t *testing.T) {
	c, _ := newMockCatalog(t)
	ctx := context.Background()
	same := func(s string) string { return s }

	cases := []PromoPatch{
		{Code: strPtr("X"), Kind: strPtr("discount")},
		{Code: strPtr("X"), Kind: strPtr(db.PromoKindDays)},
		{Code: strPtr("X"), Kind: strPtr(db.PromoKindBalance)},
		{Code: strPtr(""), Kind: strPtr(db.PromoKindDays), Days: intPtr(3)},
		{Kind: strPtr(db.PromoKindDays), Days: intPtr(3)},
	}
	for _, p := range cases {
		_, err := c.CreatePromo(ctx, p, same)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}
