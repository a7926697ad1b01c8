package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpn-miniapp-backend/internal/db"
)

var (
	ErrInvalidInput = errors.New("INVALID_INPUT")
	ErrEmptyPatch   = errors.New("EMPTY_PATCH")
)

// Catalog — CRUD справочников: страны, типы, серверы, тарифы, пакеты,
// курсы и промокоды. Изменения приходят типизированными патчами, в UPDATE
// попадают только колонки из Columns()
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(gdb *gorm.DB) *Catalog {
	return &Catalog{db: gdb}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return db.ErrDuplicate
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: referenced row does not exist", ErrInvalidInput)
	}
	return err
}

func list[T any](ctx context.Context, q *gorm.DB) ([]T, error) {
	var out []T
	if err := q.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func create[T any](ctx context.Context, q *gorm.DB, v *T) (*T, error) {
	if err := q.WithContext(ctx).Create(v).Error; err != nil {
		return nil, translate(err)
	}
	return v, nil
}

// update применяет cols к строке id и перечитывает её
func update[T any](ctx context.Context, q *gorm.DB, id uint, cols map[string]interface{}) (*T, error) {
	if len(cols) == 0 {
		return nil, ErrEmptyPatch
	}
	var v T
	res := q.WithContext(ctx).Model(&v).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, db.ErrNotFound
	}
	if err := q.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func remove[T any](ctx context.Context, q *gorm.DB, id uint) error {
	var v T
	res := q.WithContext(ctx).Delete(&v, id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return db.ErrNotFound
	}
	return nil
}

// --- страны и типы серверов ---

type CountryPatch struct {
	Name *string `json:"name"`
	Code *string `json:"code"`
}

func (p CountryPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Code != nil {
		cols["code"] = *p.Code
	}
	return cols
}

func (c *Catalog) Countries(ctx context.Context) ([]db.Country, error) {
	return list[db.Country](ctx, c.db)
}

func (c *Catalog) CreateCountry(ctx context.Context, p CountryPatch) (*db.Country, error) {
	if p.Name == nil || *p.Name == "" || p.Code == nil || *p.Code == "" {
		return nil, ErrInvalidInput
	}
	return create(ctx, c.db, &db.Country{Name: *p.Name, Code: *p.Code})
}

func (c *Catalog) UpdateCountry(ctx context.Context, id uint, p CountryPatch) (*db.Country, error) {
	return update[db.Country](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeleteCountry(ctx context.Context, id uint) error {
	return remove[db.Country](ctx, c.db, id)
}

type ServerTypePatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (p ServerTypePatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Description != nil {
		cols["description"] = *p.Description
	}
	return cols
}

func (c *Catalog) ServerTypes(ctx context.Context) ([]db.ServerType, error) {
	return list[db.ServerType](ctx, c.db)
}

func (c *Catalog) CreateServerType(ctx context.Context, p ServerTypePatch) (*db.ServerType, error) {
	if p.Name == nil || *p.Name == "" {
		return nil, ErrInvalidInput
	}
	t := &db.ServerType{Name: *p.Name}
	if p.Description != nil {
		t.Description = *p.Description
	}
	return create(ctx, c.db, t)
}

func (c *Catalog) UpdateServerType(ctx context.Context, id uint, p ServerTypePatch) (*db.ServerType, error) {
	return update[db.ServerType](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeleteServerType(ctx context.Context, id uint) error {
	return remove[db.ServerType](ctx, c.db, id)
}

// --- серверы ---

// ServerPatch: изменяемые поля сервера. now_conn сюда не входит: её
// пересчитывает реестр подписок
type ServerPatch struct {
	Name          *string `json:"name"`
	IP            *string `json:"ip"`
	PanelURL      *string `json:"panel_url"`
	PanelUser     *string `json:"panel_user"`
	PanelPassword *string `json:"panel_password"`
	InboundPort   *int    `json:"inbound_port"`
	SubScheme     *string `json:"sub_scheme"`
	SubHost       *string `json:"sub_host"`
	SubPort       *int    `json:"sub_port"`
	MaxConn       *int    `json:"max_conn"`
	IsActive      *bool   `json:"is_active"`
	CountryID     *uint   `json:"country_id"`
	TypeID        *uint   `json:"type_id"`
}

func (p ServerPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.IP != nil {
		cols["ip"] = *p.IP
	}
	if p.PanelURL != nil {
		cols["panel_url"] = *p.PanelURL
	}
	if p.PanelUser != nil {
		cols["panel_user"] = *p.PanelUser
	}
	if p.PanelPassword != nil {
		cols["panel_password"] = *p.PanelPassword
	}
	if p.InboundPort != nil {
		cols["inbound_port"] = *p.InboundPort
	}
	if p.SubScheme != nil {
		cols["sub_scheme"] = *p.SubScheme
	}
	if p.SubHost != nil {
		cols["sub_host"] = *p.SubHost
	}
	if p.SubPort != nil {
		cols["sub_port"] = *p.SubPort
	}
	if p.MaxConn != nil {
		cols["max_conn"] = *p.MaxConn
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.CountryID != nil {
		cols["country_id"] = *p.CountryID
	}
	if p.TypeID != nil {
		cols["type_id"] = *p.TypeID
	}
	return cols
}

func (c *Catalog) Servers(ctx context.Context) ([]db.Server, error) {
	return list[db.Server](ctx, c.db.Preload("Country"))
}

func (c *Catalog) CreateServer(ctx context.Context, p ServerPatch) (*db.Server, error) {
	if p.Name == nil || p.IP == nil || p.PanelURL == nil || p.InboundPort == nil || *p.InboundPort <= 0 {
		return nil, ErrInvalidInput
	}
	srv := &db.Server{
		Name:        *p.Name,
		IP:          *p.IP,
		PanelURL:    *p.PanelURL,
		InboundPort: *p.InboundPort,
		IsActive:    true,
		CountryID:   p.CountryID,
		TypeID:      p.TypeID,
	}
	if p.PanelUser != nil {
		srv.PanelUser = *p.PanelUser
	}
	if p.PanelPassword != nil {
		srv.PanelPassword = *p.PanelPassword
	}
	if p.SubScheme != nil {
		srv.SubScheme = *p.SubScheme
	}
	if p.SubHost != nil {
		srv.SubHost = *p.SubHost
	}
	if p.SubPort != nil {
		srv.SubPort = *p.SubPort
	}
	if p.MaxConn != nil {
		srv.MaxConn = *p.MaxConn
	}
	if p.IsActive != nil {
		srv.IsActive = *p.IsActive
	}
	return create(ctx, c.db, srv)
}

func (c *Catalog) UpdateServer(ctx context.Context, id uint, p ServerPatch) (*db.Server, error) {
	if p.InboundPort != nil && *p.InboundPort <= 0 {
		return nil, ErrInvalidInput
	}
	return update[db.Server](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeleteServer(ctx context.Context, id uint) error {
	return remove[db.Server](ctx, c.db, id)
}

// --- тарифы ---

type TariffPatch struct {
	ServerID *uint            `json:"server_id"`
	Days     *int             `json:"days"`
	Price    *decimal.Decimal `json:"price"`
	IsActive *bool            `json:"is_active"`
}

func (p TariffPatch) validate() error {
	if p.Days != nil && *p.Days <= 0 {
		return ErrInvalidInput
	}
	if p.Price != nil && p.Price.IsNegative() {
		return ErrInvalidInput
	}
	return nil
}

func (p TariffPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.ServerID != nil {
		cols["server_id"] = *p.ServerID
	}
	if p.Days != nil {
		cols["days"] = *p.Days
	}
	if p.Price != nil {
		cols["price"] = *p.Price
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	return cols
}

func (c *Catalog) Tariffs(ctx context.Context, serverID uint) ([]db.Tariff, error) {
	q := c.db
	if serverID != 0 {
		q = q.Where("server_id = ?", serverID)
	}
	return list[db.Tariff](ctx, q)
}

func (c *Catalog) CreateTariff(ctx context.Context, p TariffPatch) (*db.Tariff, error) {
	if p.ServerID == nil || p.Days == nil || p.Price == nil {
		return nil, ErrInvalidInput
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	t := &db.Tariff{ServerID: *p.ServerID, Days: *p.Days, Price: *p.Price, IsActive: true}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	return create(ctx, c.db, t)
}

func (c *Catalog) UpdateTariff(ctx context.Context, id uint, p TariffPatch) (*db.Tariff, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return update[db.Tariff](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeleteTariff(ctx context.Context, id uint) error {
	return remove[db.Tariff](ctx, c.db, id)
}

// --- пакеты серверов ---

type BundlePlanPatch struct {
	Name      *string `json:"name"`
	IsActive  *bool   `json:"is_active"`
	ServerIDs []uint  `json:"server_ids"`
}

func (p BundlePlanPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	return cols
}

func (c *Catalog) BundlePlans(ctx context.Context) ([]db.BundlePlan, error) {
	return list[db.BundlePlan](ctx, c.db)
}

func (c *Catalog) CreateBundlePlan(ctx context.Context, p BundlePlanPatch) (*db.BundlePlan, error) {
	if p.Name == nil || *p.Name == "" || len(p.ServerIDs) == 0 {
		return nil, ErrInvalidInput
	}
	plan := &db.BundlePlan{Name: *p.Name, IsActive: true}
	if p.IsActive != nil {
		plan.IsActive = *p.IsActive
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(plan).Error; err != nil {
			return err
		}
		return setPlanServers(tx, plan.ID, p.ServerIDs)
	})
	if err != nil {
		return nil, translate(err)
	}
	return plan, nil
}

// UpdateBundlePlan: ServerIDs != nil заменяет состав пакета целиком
func (c *Catalog) UpdateBundlePlan(ctx context.Context, id uint, p BundlePlanPatch) (*db.BundlePlan, error) {
	cols := p.Columns()
	if len(cols) == 0 && p.ServerIDs == nil {
		return nil, ErrEmptyPatch
	}
	var plan db.BundlePlan
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&plan, id).Error; err != nil {
			return err
		}
		if len(cols) > 0 {
			if err := tx.Model(&plan).Updates(cols).Error; err != nil {
				return err
			}
		}
		if p.ServerIDs != nil {
			return setPlanServers(tx, id, p.ServerIDs)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &plan, nil
}

func setPlanServers(tx *gorm.DB, planID uint, serverIDs []uint) error {
	if err := tx.Where("plan_id = ?", planID).Delete(&db.BundleServer{}).Error; err != nil {
		return err
	}
	if len(serverIDs) == 0 {
		return nil
	}
	rows := make([]db.BundleServer, 0, len(serverIDs))
	seen := map[uint]bool{}
	for _, sid := range serverIDs {
		if seen[sid] {
			continue
		}
		seen[sid] = true
		rows = append(rows, db.BundleServer{PlanID: planID, ServerID: sid})
	}
	return tx.Create(&rows).Error
}

func (c *Catalog) DeleteBundlePlan(ctx context.Context, id uint) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plan_id = ?", id).Delete(&db.BundleServer{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&db.BundlePlan{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return translate(err)
}

type BundleTariffPatch struct {
	PlanID   *uint            `json:"plan_id"`
	Days     *int             `json:"days"`
	Price    *decimal.Decimal `json:"price"`
	IsActive *bool            `json:"is_active"`
}

func (p BundleTariffPatch) Columns() map[string]interface{} {
	return TariffPatch{Days: p.Days, Price: p.Price, IsActive: p.IsActive}.withPlan(p.PlanID)
}

func (p TariffPatch) withPlan(planID *uint) map[string]interface{} {
	cols := p.Columns()
	if planID != nil {
		cols["plan_id"] = *planID
	}
	return cols
}

func (c *Catalog) BundleTariffs(ctx context.Context, planID uint) ([]db.BundleTariff, error) {
	q := c.db
	if planID != 0 {
		q = q.Where("plan_id = ?", planID)
	}
	return list[db.BundleTariff](ctx, q)
}

func (c *Catalog) CreateBundleTariff(ctx context.Context, p BundleTariffPatch) (*db.BundleTariff, error) {
	if p.PlanID == nil || p.Days == nil || p.Price == nil {
		return nil, ErrInvalidInput
	}
	if err := (TariffPatch{Days: p.Days, Price: p.Price}).validate(); err != nil {
		return nil, err
	}
	t := &db.BundleTariff{PlanID: *p.PlanID, Days: *p.Days, Price: *p.Price, IsActive: true}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	return create(ctx, c.db, t)
}

func (c *Catalog) UpdateBundleTariff(ctx context.Context, id uint, p BundleTariffPatch) (*db.BundleTariff, error) {
	if err := (TariffPatch{Days: p.Days, Price: p.Price}).validate(); err != nil {
		return nil, err
	}
	return update[db.BundleTariff](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeleteBundleTariff(ctx context.Context, id uint) error {
	return remove[db.BundleTariff](ctx, c.db, id)
}

// --- курсы ---

func (c *Catalog) Rates(ctx context.Context) ([]db.ExchangeRate, error) {
	return list[db.ExchangeRate](ctx, c.db)
}

// SetRate создаёт или обновляет курс пары
func (c *Catalog) SetRate(ctx context.Context, pair string, rate decimal.Decimal) (*db.ExchangeRate, error) {
	if pair != db.PairStarsUSDT && pair != db.PairUSDTRUB {
		return nil, fmt.Errorf("%w: unknown pair %q", ErrInvalidInput, pair)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: rate must be positive", ErrInvalidInput)
	}
	r := &db.ExchangeRate{Pair: pair, Rate: rate, UpdatedAt: time.Now().UTC()}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "updated_at"}),
	}).Create(r).Error
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

// --- промокоды ---

type PromoPatch struct {
	Code      *string          `json:"code"`
	Kind      *string          `json:"kind"`
	Amount    *decimal.Decimal `json:"amount"`
	Days      *int             `json:"days"`
	MaxUses   *int             `json:"max_uses"`
	IsActive  *bool            `json:"is_active"`
	ExpiresAt *time.Time       `json:"expires_at"`
}

func (p PromoPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Kind != nil {
		cols["kind"] = *p.Kind
	}
	if p.Amount != nil {
		cols["amount"] = *p.Amount
	}
	if p.Days != nil {
		cols["days"] = *p.Days
	}
	if p.MaxUses != nil {
		cols["max_uses"] = *p.MaxUses
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.ExpiresAt != nil {
		cols["expires_at"] = *p.ExpiresAt
	}
	return cols
}

func (c *Catalog) Promos(ctx context.Context) ([]db.PromoCode, error) {
	return list[db.PromoCode](ctx, c.db)
}

func (c *Catalog) CreatePromo(ctx context.Context, p PromoPatch, normalize func(string) string) (*db.PromoCode, error) {
	if p.Code == nil || p.Kind == nil {
		return nil, ErrInvalidInput
	}
	promo := &db.PromoCode{Code: normalize(*p.Code), Kind: *p.Kind, MaxUses: 1, IsActive: true, ExpiresAt: p.ExpiresAt}
	switch promo.Kind {
	case db.PromoKindBalance:
		if p.Amount == nil || !p.Amount.IsPositive() {
			return nil, ErrInvalidInput
		}
		promo.Amount = *p.Amount
	case db.PromoKindDays:
		if p.Days == nil || *p.Days <= 0 {
			return nil, ErrInvalidInput
		}
		promo.Days = *p.Days
	default:
		return nil, ErrInvalidInput
	}
	if promo.Code == "" {
		return nil, ErrInvalidInput
	}
	if p.MaxUses != nil {
		promo.MaxUses = *p.MaxUses
	}
	if p.IsActive != nil {
		promo.IsActive = *p.IsActive
	}
	return create(ctx, c.db, promo)
}

func (c *Catalog) UpdatePromo(ctx context.Context, id uint, p PromoPatch) (*db.PromoCode, error) {
	if p.Kind != nil && *p.Kind != db.PromoKindBalance && *p.Kind != db.PromoKindDays {
		return nil, ErrInvalidInput
	}
	return update[db.PromoCode](ctx, c.db, id, p.Columns())
}

func (c *Catalog) DeletePromo(ctx context.Context, id uint) error {
	return remove[db.PromoCode](ctx, c.db, id)
}
