package db

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Store — единица работы над БД. Методы, начинающиеся с Lock, берут строку
// под SELECT ... FOR UPDATE и имеют смысл только внутри Transaction.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetUser(ctx context.Context, id uint) (*User, error)
	GetUserByTelegramID(ctx context.Context, tgID int64) (*User, error)
	LockUser(ctx context.Context, id uint) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	CountReferrals(ctx context.Context, userID uint) (int64, error)

	GetWallet(ctx context.Context, userID uint) (*Wallet, error)
	// LockWallet создаёт пустой кошелёк, если его ещё нет
	LockWallet(ctx context.Context, userID uint) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error
	AddWalletTransaction(ctx context.Context, t *WalletTransaction) error
	ListWalletTransactions(ctx context.Context, walletID uint, limit int) ([]WalletTransaction, error)

	CreateWalletOperation(ctx context.Context, op *WalletOperation) error
	GetWalletOperation(ctx context.Context, id uint) (*WalletOperation, error)
	LockWalletOperation(ctx context.Context, id uint) (*WalletOperation, error)
	SaveWalletOperation(ctx context.Context, op *WalletOperation) error

	GetServer(ctx context.Context, id uint) (*Server, error)
	ListServers(ctx context.Context, onlyActive bool) ([]Server, error)
	UpdateServerLoad(ctx context.Context, id uint, nowConn int, isActive bool) error
	GetCountry(ctx context.Context, id uint) (*Country, error)
	GetTariff(ctx context.Context, id uint) (*Tariff, error)
	ListTariffs(ctx context.Context, serverID uint) ([]Tariff, error)
	GetBundlePlan(ctx context.Context, id uint) (*BundlePlan, error)
	GetBundleTariff(ctx context.Context, id uint) (*BundleTariff, error)
	ListBundleServers(ctx context.Context, planID uint) ([]Server, error)
	GetExchangeRate(ctx context.Context, pair string) (*ExchangeRate, error)

	// CreateOrder возвращает ErrDuplicate, если у пользователя уже есть активный заказ
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uint) (*Order, error)
	LockOrder(ctx context.Context, id uint) (*Order, error)
	SaveOrder(ctx context.Context, o *Order) error
	FindActiveOrder(ctx context.Context, userID uint) (*Order, error)
	ExpireStaleOrders(ctx context.Context, now time.Time) (int64, error)
	HasCompletedOrder(ctx context.Context, userID uint) (bool, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*Payment, error)
	LockPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*Payment, error)
	SavePayment(ctx context.Context, p *Payment) error

	CreateSubscription(ctx context.Context, s *VPNSubscription) error
	GetSubscription(ctx context.Context, id uint) (*VPNSubscription, error)
	SaveSubscription(ctx context.Context, s *VPNSubscription) error
	FindUserSubscriptionOnServer(ctx context.Context, userID, serverID uint) (*VPNSubscription, error)
	ListUserSubscriptions(ctx context.Context, userID uint) ([]VPNSubscription, error)
	ListExpiredActiveSubscriptions(ctx context.Context, now time.Time) ([]VPNSubscription, error)
	ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]VPNSubscription, error)
	CountActiveSubscriptions(ctx context.Context, serverID uint, now time.Time) (int64, error)

	CreateBundleSubscription(ctx context.Context, b *BundleSubscription, items []BundleSubscriptionItem) error
	GetBundleSubscription(ctx context.Context, id uint) (*BundleSubscription, error)
	FindBundleSubscription(ctx context.Context, userID, planID uint) (*BundleSubscription, error)
	SaveBundleSubscription(ctx context.Context, b *BundleSubscription) error
	SaveBundleItem(ctx context.Context, it *BundleSubscriptionItem) error
	ListBundleItems(ctx context.Context, bundleID uint) ([]BundleSubscriptionItem, error)
	ListUserBundles(ctx context.Context, userID uint) ([]BundleSubscription, error)
	ListExpiredActiveBundles(ctx context.Context, now time.Time) ([]BundleSubscription, error)
	CountActiveBundleItems(ctx context.Context, serverID uint, now time.Time) (int64, error)

	GetActiveReferralConfig(ctx context.Context) (*ReferralConfig, error)
	ActivateReferralConfig(ctx context.Context, percent decimal.Decimal) (*ReferralConfig, error)
	CreateReferralEarning(ctx context.Context, e *ReferralEarning) error
	SumReferralEarnings(ctx context.Context, referrerID uint) (decimal.Decimal, error)

	LockFreeDays(ctx context.Context, userID uint) (*UserFreeDaysBalance, error)
	SaveFreeDays(ctx context.Context, b *UserFreeDaysBalance) error
	AddRewardOp(ctx context.Context, op *UserRewardOp) error
	ListRewardOps(ctx context.Context, userID uint, limit int) ([]UserRewardOp, error)
	ListUnmigratedRewards(ctx context.Context, userID uint) ([]UserReward, error)
	SaveReward(ctx context.Context, r *UserReward) error
	LockCheckin(ctx context.Context, userID uint) (*UserCheckin, error)
	SaveCheckin(ctx context.Context, c *UserCheckin) error
	CreateUserTask(ctx context.Context, t *UserTask) error
	ListUserTasks(ctx context.Context, userID uint) ([]UserTask, error)

	LockPromoCode(ctx context.Context, code string) (*PromoCode, error)
	SavePromoCode(ctx context.Context, p *PromoCode) error
	HasPromoUsage(ctx context.Context, promoID, userID uint) (bool, error)
	CreatePromoUsage(ctx context.Context, u *PromoCodeUsage) error
}
