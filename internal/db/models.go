package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Статусы заказа
const (
	OrderPending    = "pending"
	OrderPaid       = "paid"
	OrderProcessing = "processing"
	OrderCompleted  = "completed"
	OrderFailed     = "failed"
	OrderExpired    = "expired"
	OrderCancelled  = "cancelled"
)

// Назначение заказа
const (
	PurposeBuy             = "buy"
	PurposeExtension       = "extension"
	PurposeBundleBuy       = "bundle_buy"
	PurposeBundleExtension = "bundle_extension"
)

// Платёжные рельсы
const (
	ProviderStars    = "stars"
	ProviderCrypto   = "cryptobot"
	ProviderYooKassa = "yookassa"
	ProviderBalance  = "balance"
	ProviderFreeDays = "free_days"
)

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

const (
	WalletOpPending   = "pending"
	WalletOpCompleted = "completed"
	WalletOpFailed    = "failed"
)

// Категории WalletTransaction
const (
	TxDeposit     = "deposit"
	TxBuy         = "buy"
	TxExtend      = "extend"
	TxReferral    = "referral"
	TxPromo       = "promo"
	TxRefund      = "refund"
	TxLatePayment = "late_payment"
)

const (
	SubActive  = "active"
	SubExpired = "expired"
)

// Источники операций с бесплатными днями
const (
	DaysSourceCheckin  = "checkin"
	DaysSourceTask     = "task"
	DaysSourcePromo    = "promo"
	DaysSourceLegacy   = "legacy_reward"
	DaysSourceActivate = "activate"
	DaysSourceRefund   = "refund"
)

const (
	PromoKindBalance = "balance"
	PromoKindDays    = "days"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex;not null"`
	Username   string
	Role       string `gorm:"default:user"`
	ReferrerID *uint  `gorm:"index"`
	CreatedAt  time.Time
}

type Wallet struct {
	ID        uint            `gorm:"primaryKey"`
	UserID    uint            `gorm:"uniqueIndex;not null"`
	Balance   decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"`
	UpdatedAt time.Time
}

type WalletTransaction struct {
	ID          uint            `gorm:"primaryKey"`
	WalletID    uint            `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Type        string          `gorm:"size:32;not null"`
	Description string
	CreatedAt   time.Time
}

type WalletOperation struct {
	ID          uint            `gorm:"primaryKey"`
	UserID      uint            `gorm:"index;not null"`
	Type        string          `gorm:"size:32;not null;default:deposit"`
	Amount      decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Status      string          `gorm:"size:16;not null"`
	Provider    string          `gorm:"size:32;not null"`
	PaymentURL  string
	Meta        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type Country struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"not null" json:"name"`
	Code string `gorm:"size:8;not null" json:"code"`
}

type ServerType struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
}

type Server struct {
	ID            uint     `gorm:"primaryKey" json:"id"`
	Name          string   `gorm:"not null" json:"name"`
	IP            string   `gorm:"not null" json:"ip"`
	PanelURL      string   `gorm:"not null" json:"panel_url"`
	PanelUser     string   `json:"panel_user"`
	PanelPassword string   `json:"-"`
	InboundPort   int      `gorm:"not null" json:"inbound_port"`
	SubScheme     string   `json:"sub_scheme"`
	SubHost       string   `json:"sub_host"`
	SubPort       int      `json:"sub_port"`
	MaxConn       int      `gorm:"not null;default:0" json:"max_conn"`
	NowConn       int      `gorm:"not null;default:0" json:"now_conn"`
	IsActive      bool     `gorm:"not null;default:true" json:"is_active"`
	TypeID        *uint    `json:"type_id"`
	CountryID     *uint    `json:"country_id"`
	Country       *Country `gorm:"foreignKey:CountryID" json:"country,omitempty"`
}

type Tariff struct {
	ID       uint            `gorm:"primaryKey" json:"id"`
	ServerID uint            `gorm:"index;not null" json:"server_id"`
	Days     int             `gorm:"not null" json:"days"`
	Price    decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"price"`
	IsActive bool            `gorm:"not null;default:true" json:"is_active"`
}

type BundlePlan struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"not null" json:"name"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
}

type BundleServer struct {
	ID       uint `gorm:"primaryKey"`
	PlanID   uint `gorm:"uniqueIndex:ux_bundle_server;not null"`
	ServerID uint `gorm:"uniqueIndex:ux_bundle_server;not null"`
}

type BundleTariff struct {
	ID       uint            `gorm:"primaryKey" json:"id"`
	PlanID   uint            `gorm:"index;not null" json:"plan_id"`
	Days     int             `gorm:"not null" json:"days"`
	Price    decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"price"`
	IsActive bool            `gorm:"not null;default:true" json:"is_active"`
}

type Order struct {
	ID                   uint `gorm:"primaryKey"`
	UserID               uint `gorm:"index;not null"`
	ServerID             *uint
	TariffID             *uint
	SubscriptionID       *uint
	BundlePlanID         *uint
	BundleTariffID       *uint
	BundleSubscriptionID *uint
	Purpose              string          `gorm:"size:32;not null"`
	Amount               decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Currency             string          `gorm:"size:8;not null"`
	PriceUSDT            decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"`
	Provider             string          `gorm:"size:32;not null"`
	Status               string          `gorm:"size:16;index;not null"`
	PaymentURL           string
	FailReason           string
	Refunded             bool `gorm:"not null;default:false"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ExpiresAt            *time.Time
}

// IsTerminal: заказ больше никуда не переходит
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderCompleted, OrderFailed, OrderExpired, OrderCancelled:
		return true
	}
	return false
}

type Payment struct {
	ID                uint   `gorm:"primaryKey"`
	OrderID           *uint  `gorm:"index"`
	WalletOperationID *uint  `gorm:"index"`
	Provider          string `gorm:"size:32;not null;uniqueIndex:ux_payment_provider_id,priority:1"`
	ProviderPaymentID string `gorm:"not null;uniqueIndex:ux_payment_provider_id,priority:2"`
	ChargeID          string
	Amount            decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	Currency          string          `gorm:"size:8;not null"`
	Status            string          `gorm:"size:16;not null"`
	Raw               datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt         time.Time
	PaidAt            *time.Time
}

type VPNSubscription struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           uint   `gorm:"index;not null"`
	ServerID         uint   `gorm:"index;not null;uniqueIndex:ux_sub_server_email,priority:1"`
	Provider         string `gorm:"size:16;not null;default:xui"`
	ClientEmail      string `gorm:"not null;uniqueIndex:ux_sub_server_email,priority:2"`
	ClientUUID       string `gorm:"not null"`
	SubID            string
	AccessData       string
	CreatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index;not null"`
	IsActive         bool      `gorm:"not null;default:true"`
	Status           string    `gorm:"size:16;not null"`
	NotifiedExpiring bool      `gorm:"not null;default:false"`
}

type BundleSubscription struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"uniqueIndex:ux_bundle_user_plan;not null"`
	PlanID    uint `gorm:"uniqueIndex:ux_bundle_user_plan;not null"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index;not null"`
	IsActive  bool      `gorm:"not null;default:true"`
	Status    string    `gorm:"size:16;not null"`
}

type BundleSubscriptionItem struct {
	ID                   uint   `gorm:"primaryKey"`
	BundleSubscriptionID uint   `gorm:"index;not null"`
	ServerID             uint   `gorm:"not null"`
	ClientEmail          string `gorm:"not null"`
	ClientUUID           string `gorm:"not null"`
	SubID                string
	AccessData           string
}

type ReferralConfig struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Percent   decimal.Decimal `gorm:"type:numeric(9,4);not null" json:"percent"`
	IsActive  bool            `gorm:"not null;default:false" json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ReferralEarning struct {
	ID         uint            `gorm:"primaryKey"`
	ReferrerID uint            `gorm:"index;not null"`
	ReferredID uint            `gorm:"not null"`
	OrderID    uint            `gorm:"uniqueIndex;not null"`
	Percent    decimal.Decimal `gorm:"type:numeric(9,4);not null"`
	Amount     decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	CreatedAt  time.Time
}

type UserFreeDaysBalance struct {
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	Days      int  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

type UserCheckin struct {
	UserID      uint `gorm:"primaryKey;autoIncrement:false"`
	Count       int  `gorm:"not null;default:0"`
	LastCheckin *time.Time
}

type UserRewardOp struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	Delta     int    `gorm:"not null"`
	Source    string `gorm:"size:32;not null"`
	Ref       string
	CreatedAt time.Time
}

// UserReward: старые одноразовые награды, переносятся в баланс при первом чтении
type UserReward struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      uint   `gorm:"index;not null"`
	RewardType  string `gorm:"size:32;not null"`
	Days        int    `gorm:"not null"`
	IsActivated bool   `gorm:"not null;default:false"`
	Migrated    bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

type UserTask struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"uniqueIndex:ux_user_task;not null"`
	TaskKey   string `gorm:"uniqueIndex:ux_user_task;size:64;not null"`
	CreatedAt time.Time
}

type PromoCode struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Code      string          `gorm:"uniqueIndex;size:64;not null" json:"code"`
	Kind      string          `gorm:"size:16;not null" json:"kind"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0" json:"amount"`
	Days      int             `gorm:"not null;default:0" json:"days"`
	MaxUses   int             `gorm:"not null;default:1" json:"max_uses"`
	Uses      int             `gorm:"not null;default:0" json:"uses"`
	IsActive  bool            `gorm:"not null;default:true" json:"is_active"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type PromoCodeUsage struct {
	ID          uint `gorm:"primaryKey"`
	PromoCodeID uint `gorm:"uniqueIndex:ux_promo_user;not null"`
	UserID      uint `gorm:"uniqueIndex:ux_promo_user;not null"`
	CreatedAt   time.Time
}

type ExchangeRate struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Pair      string          `gorm:"uniqueIndex;size:16;not null" json:"pair"`
	Rate      decimal.Decimal `gorm:"type:numeric(18,8);not null" json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Пары курсов
const (
	PairStarsUSDT = "XTR_USDT"
	PairUSDTRUB   = "USDT_RUB"
)
