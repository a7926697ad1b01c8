package db

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormStore struct {
	db *gorm.DB
}

// NewStore оборачивает *gorm.DB в Store
func NewStore(gdb *gorm.DB) Store {
	return &gormStore{db: gdb}
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func (s *gormStore) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *gormStore) locked(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

func first[T any](q *gorm.DB, conds ...interface{}) (*T, error) {
	var v T
	if err := q.First(&v, conds...).Error; err != nil {
		return nil, wrap(err)
	}
	return &v, nil
}

func find[T any](q *gorm.DB) ([]T, error) {
	var v []T
	if err := q.Find(&v).Error; err != nil {
		return nil, wrap(err)
	}
	return v, nil
}

// lockOrCreate берёт строку под блокировку, создавая её при первом обращении
func lockOrCreate[T any](s *gormStore, ctx context.Context, blank *T, where string, arg interface{}) (*T, error) {
	v, err := first[T](s.locked(ctx).Where(where, arg))
	if !errors.Is(err, ErrNotFound) {
		return v, err
	}
	if err := s.q(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(blank).Error; err != nil {
		return nil, wrap(err)
	}
	return first[T](s.locked(ctx).Where(where, arg))
}

// --- пользователи ---

func (s *gormStore) GetUser(ctx context.Context, id uint) (*User, error) {
	return first[User](s.q(ctx), id)
}

func (s *gormStore) GetUserByTelegramID(ctx context.Context, tgID int64) (*User, error) {
	return first[User](s.q(ctx).Where("telegram_id = ?", tgID))
}

func (s *gormStore) LockUser(ctx context.Context, id uint) (*User, error) {
	return first[User](s.locked(ctx), id)
}

func (s *gormStore) CreateUser(ctx context.Context, u *User) error {
	return wrap(s.q(ctx).Create(u).Error)
}

func (s *gormStore) CountReferrals(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.q(ctx).Model(&User{}).Where("referrer_id = ?", userID).Count(&n).Error
	return n, wrap(err)
}

// --- кошелёк ---

func (s *gormStore) GetWallet(ctx context.Context, userID uint) (*Wallet, error) {
	return first[Wallet](s.q(ctx).Where("user_id = ?", userID))
}

func (s *gormStore) LockWallet(ctx context.Context, userID uint) (*Wallet, error) {
	return lockOrCreate(s, ctx, &Wallet{UserID: userID}, "user_id = ?", userID)
}

func (s *gormStore) SaveWallet(ctx context.Context, w *Wallet) error {
	return wrap(s.q(ctx).Save(w).Error)
}

func (s *gormStore) AddWalletTransaction(ctx context.Context, t *WalletTransaction) error {
	return wrap(s.q(ctx).Create(t).Error)
}

func (s *gormStore) ListWalletTransactions(ctx context.Context, walletID uint, limit int) ([]WalletTransaction, error) {
	return find[WalletTransaction](s.q(ctx).Where("wallet_id = ?", walletID).Order("id desc").Limit(limit))
}

func (s *gormStore) CreateWalletOperation(ctx context.Context, op *WalletOperation) error {
	return wrap(s.q(ctx).Create(op).Error)
}

func (s *gormStore) GetWalletOperation(ctx context.Context, id uint) (*WalletOperation, error) {
	return first[WalletOperation](s.q(ctx), id)
}

func (s *gormStore) LockWalletOperation(ctx context.Context, id uint) (*WalletOperation, error) {
	return first[WalletOperation](s.locked(ctx), id)
}

func (s *gormStore) SaveWalletOperation(ctx context.Context, op *WalletOperation) error {
	return wrap(s.q(ctx).Save(op).Error)
}

// --- каталог ---

func (s *gormStore) GetServer(ctx context.Context, id uint) (*Server, error) {
	return first[Server](s.q(ctx).Preload("Country"), id)
}

func (s *gormStore) ListServers(ctx context.Context, onlyActive bool) ([]Server, error) {
	q := s.q(ctx).Preload("Country").Order("id")
	if onlyActive {
		q = q.Where("is_active = ?", true)
	}
	return find[Server](q)
}

func (s *gormStore) UpdateServerLoad(ctx context.Context, id uint, nowConn int, isActive bool) error {
	return wrap(s.q(ctx).Model(&Server{}).Where("id = ?", id).
		Updates(map[string]interface{}{"now_conn": nowConn, "is_active": isActive}).Error)
}

func (s *gormStore) GetCountry(ctx context.Context, id uint) (*Country, error) {
	return first[Country](s.q(ctx), id)
}

func (s *gormStore) GetTariff(ctx context.Context, id uint) (*Tariff, error) {
	return first[Tariff](s.q(ctx), id)
}

func (s *gormStore) ListTariffs(ctx context.Context, serverID uint) ([]Tariff, error) {
	return find[Tariff](s.q(ctx).Where("server_id = ? AND is_active = ?", serverID, true).Order("days"))
}

func (s *gormStore) GetBundlePlan(ctx context.Context, id uint) (*BundlePlan, error) {
	return first[BundlePlan](s.q(ctx), id)
}

func (s *gormStore) GetBundleTariff(ctx context.Context, id uint) (*BundleTariff, error) {
	return first[BundleTariff](s.q(ctx), id)
}

func (s *gormStore) ListBundleServers(ctx context.Context, planID uint) ([]Server, error) {
	return find[Server](s.q(ctx).Preload("Country").
		Joins("JOIN bundle_servers ON bundle_servers.server_id = servers.id").
		Where("bundle_servers.plan_id = ?", planID).
		Order("servers.id"))
}

func (s *gormStore) GetExchangeRate(ctx context.Context, pair string) (*ExchangeRate, error) {
	return first[ExchangeRate](s.q(ctx).Where("pair = ?", pair))
}

// --- заказы и платежи ---

func (s *gormStore) CreateOrder(ctx context.Context, o *Order) error {
	return wrap(s.q(ctx).Create(o).Error)
}

func (s *gormStore) GetOrder(ctx context.Context, id uint) (*Order, error) {
	return first[Order](s.q(ctx), id)
}

func (s *gormStore) LockOrder(ctx context.Context, id uint) (*Order, error) {
	return first[Order](s.locked(ctx), id)
}

func (s *gormStore) SaveOrder(ctx context.Context, o *Order) error {
	return wrap(s.q(ctx).Save(o).Error)
}

func (s *gormStore) FindActiveOrder(ctx context.Context, userID uint) (*Order, error) {
	var o Order
	err := s.q(ctx).Where("user_id = ? AND status IN ?", userID, []string{OrderPending, OrderProcessing}).
		Order("id desc").Take(&o).Error
	if err != nil {
		return nil, wrap(err)
	}
	return &o, nil
}

func (s *gormStore) ExpireStaleOrders(ctx context.Context, now time.Time) (int64, error) {
	res := s.q(ctx).Model(&Order{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", OrderPending, now).
		Updates(map[string]interface{}{"status": OrderExpired, "updated_at": now})
	return res.RowsAffected, wrap(res.Error)
}

func (s *gormStore) HasCompletedOrder(ctx context.Context, userID uint) (bool, error) {
	var n int64
	err := s.q(ctx).Model(&Order{}).
		Where("user_id = ? AND status = ? AND provider <> ?", userID, OrderCompleted, ProviderFreeDays).
		Count(&n).Error
	return n > 0, wrap(err)
}

func (s *gormStore) CreatePayment(ctx context.Context, p *Payment) error {
	return wrap(s.q(ctx).Create(p).Error)
}

func (s *gormStore) GetPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*Payment, error) {
	return first[Payment](s.q(ctx).Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID))
}

func (s *gormStore) LockPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*Payment, error) {
	return first[Payment](s.locked(ctx).Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID))
}

func (s *gormStore) SavePayment(ctx context.Context, p *Payment) error {
	return wrap(s.q(ctx).Save(p).Error)
}

// --- подписки ---

func (s *gormStore) CreateSubscription(ctx context.Context, sub *VPNSubscription) error {
	return wrap(s.q(ctx).Create(sub).Error)
}

func (s *gormStore) GetSubscription(ctx context.Context, id uint) (*VPNSubscription, error) {
	return first[VPNSubscription](s.q(ctx), id)
}

func (s *gormStore) SaveSubscription(ctx context.Context, sub *VPNSubscription) error {
	return wrap(s.q(ctx).Save(sub).Error)
}

func (s *gormStore) FindUserSubscriptionOnServer(ctx context.Context, userID, serverID uint) (*VPNSubscription, error) {
	var sub VPNSubscription
	err := s.q(ctx).Where("user_id = ? AND server_id = ?", userID, serverID).
		Order("expires_at desc").Take(&sub).Error
	if err != nil {
		return nil, wrap(err)
	}
	return &sub, nil
}

func (s *gormStore) ListUserSubscriptions(ctx context.Context, userID uint) ([]VPNSubscription, error) {
	return find[VPNSubscription](s.q(ctx).Where("user_id = ?", userID).Order("expires_at desc"))
}

func (s *gormStore) ListExpiredActiveSubscriptions(ctx context.Context, now time.Time) ([]VPNSubscription, error) {
	return find[VPNSubscription](s.q(ctx).Where("is_active = ? AND expires_at < ?", true, now).Order("id"))
}

func (s *gormStore) ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]VPNSubscription, error) {
	return find[VPNSubscription](s.q(ctx).
		Where("is_active = ? AND notified_expiring = ? AND expires_at > ? AND expires_at <= ?", true, false, now, until).
		Order("id"))
}

func (s *gormStore) CountActiveSubscriptions(ctx context.Context, serverID uint, now time.Time) (int64, error) {
	var n int64
	err := s.q(ctx).Model(&VPNSubscription{}).
		Where("server_id = ? AND is_active = ? AND expires_at > ?", serverID, true, now).
		Count(&n).Error
	return n, wrap(err)
}

// --- бандлы ---

func (s *gormStore) CreateBundleSubscription(ctx context.Context, b *BundleSubscription, items []BundleSubscriptionItem) error {
	if err := s.q(ctx).Create(b).Error; err != nil {
		return wrap(err)
	}
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].BundleSubscriptionID = b.ID
	}
	return wrap(s.q(ctx).Create(&items).Error)
}

func (s *gormStore) GetBundleSubscription(ctx context.Context, id uint) (*BundleSubscription, error) {
	return first[BundleSubscription](s.q(ctx), id)
}

func (s *gormStore) FindBundleSubscription(ctx context.Context, userID, planID uint) (*BundleSubscription, error) {
	return first[BundleSubscription](s.q(ctx).Where("user_id = ? AND plan_id = ?", userID, planID))
}

func (s *gormStore) SaveBundleSubscription(ctx context.Context, b *BundleSubscription) error {
	return wrap(s.q(ctx).Save(b).Error)
}

func (s *gormStore) SaveBundleItem(ctx context.Context, it *BundleSubscriptionItem) error {
	return wrap(s.q(ctx).Save(it).Error)
}

func (s *gormStore) ListBundleItems(ctx context.Context, bundleID uint) ([]BundleSubscriptionItem, error) {
	return find[BundleSubscriptionItem](s.q(ctx).Where("bundle_subscription_id = ?", bundleID).Order("id"))
}

func (s *gormStore) ListUserBundles(ctx context.Context, userID uint) ([]BundleSubscription, error) {
	return find[BundleSubscription](s.q(ctx).Where("user_id = ?", userID).Order("expires_at desc"))
}

func (s *gormStore) ListExpiredActiveBundles(ctx context.Context, now time.Time) ([]BundleSubscription, error) {
	return find[BundleSubscription](s.q(ctx).Where("is_active = ? AND expires_at < ?", true, now).Order("id"))
}

func (s *gormStore) CountActiveBundleItems(ctx context.Context, serverID uint, now time.Time) (int64, error) {
	var n int64
	err := s.q(ctx).Model(&BundleSubscriptionItem{}).
		Joins("JOIN bundle_subscriptions ON bundle_subscriptions.id = bundle_subscription_items.bundle_subscription_id").
		Where("bundle_subscription_items.server_id = ? AND bundle_subscriptions.is_active = ? AND bundle_subscriptions.expires_at > ?", serverID, true, now).
		Count(&n).Error
	return n, wrap(err)
}

// --- рефералы ---

func (s *gormStore) GetActiveReferralConfig(ctx context.Context) (*ReferralConfig, error) {
	return first[ReferralConfig](s.q(ctx).Where("is_active = ?", true))
}

func (s *gormStore) ActivateReferralConfig(ctx context.Context, percent decimal.Decimal) (*ReferralConfig, error) {
	if err := s.q(ctx).Model(&ReferralConfig{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
		return nil, wrap(err)
	}
	cfg := &ReferralConfig{Percent: percent, IsActive: true}
	if err := s.q(ctx).Create(cfg).Error; err != nil {
		return nil, wrap(err)
	}
	return cfg, nil
}

func (s *gormStore) CreateReferralEarning(ctx context.Context, e *ReferralEarning) error {
	return wrap(s.q(ctx).Create(e).Error)
}

func (s *gormStore) SumReferralEarnings(ctx context.Context, referrerID uint) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.q(ctx).Model(&ReferralEarning{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("referrer_id = ?", referrerID).
		Row().Scan(&sum)
	return sum, wrap(err)
}

// --- бесплатные дни ---

func (s *gormStore) LockFreeDays(ctx context.Context, userID uint) (*UserFreeDaysBalance, error) {
	return lockOrCreate(s, ctx, &UserFreeDaysBalance{UserID: userID}, "user_id = ?", userID)
}

func (s *gormStore) SaveFreeDays(ctx context.Context, b *UserFreeDaysBalance) error {
	return wrap(s.q(ctx).Save(b).Error)
}

func (s *gormStore) AddRewardOp(ctx context.Context, op *UserRewardOp) error {
	return wrap(s.q(ctx).Create(op).Error)
}

func (s *gormStore) ListRewardOps(ctx context.Context, userID uint, limit int) ([]UserRewardOp, error) {
	return find[UserRewardOp](s.q(ctx).Where("user_id = ?", userID).Order("id desc").Limit(limit))
}

func (s *gormStore) ListUnmigratedRewards(ctx context.Context, userID uint) ([]UserReward, error) {
	return find[UserReward](s.q(ctx).
		Where("user_id = ? AND is_activated = ? AND migrated = ?", userID, false, false).
		Order("id"))
}

func (s *gormStore) SaveReward(ctx context.Context, r *UserReward) error {
	return wrap(s.q(ctx).Save(r).Error)
}

func (s *gormStore) LockCheckin(ctx context.Context, userID uint) (*UserCheckin, error) {
	return lockOrCreate(s, ctx, &UserCheckin{UserID: userID}, "user_id = ?", userID)
}

func (s *gormStore) SaveCheckin(ctx context.Context, c *UserCheckin) error {
	return wrap(s.q(ctx).Save(c).Error)
}

func (s *gormStore) CreateUserTask(ctx context.Context, t *UserTask) error {
	return wrap(s.q(ctx).Create(t).Error)
}

func (s *gormStore) ListUserTasks(ctx context.Context, userID uint) ([]UserTask, error) {
	return find[UserTask](s.q(ctx).Where("user_id = ?", userID).Order("id"))
}

// --- промокоды ---

func (s *gormStore) LockPromoCode(ctx context.Context, code string) (*PromoCode, error) {
	return first[PromoCode](s.locked(ctx).Where("code = ?", code))
}

func (s *gormStore) SavePromoCode(ctx context.Context, p *PromoCode) error {
	return wrap(s.q(ctx).Save(p).Error)
}

func (s *gormStore) HasPromoUsage(ctx context.Context, promoID, userID uint) (bool, error) {
	var n int64
	err := s.q(ctx).Model(&PromoCodeUsage{}).
		Where("promo_code_id = ? AND user_id = ?", promoID, userID).
		Count(&n).Error
	return n > 0, wrap(err)
}

func (s *gormStore) CreatePromoUsage(ctx context.Context, u *PromoCodeUsage) error {
	return wrap(s.q(ctx).Create(u).Error)
}
