package api

import (
	"time"

	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/services"
)

type orderView struct {
	ID             uint            `json:"id"`
	Status         string          `json:"status"`
	Purpose        string          `json:"purpose"`
	Provider       string          `json:"provider"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PriceUSDT      decimal.Decimal `json:"price_usdt"`
	ServerID       *uint           `json:"server_id,omitempty"`
	TariffID       *uint           `json:"tariff_id,omitempty"`
	SubscriptionID *uint           `json:"subscription_id,omitempty"`
	BundlePlanID   *uint           `json:"bundle_plan_id,omitempty"`
	PaymentURL     string          `json:"payment_url,omitempty"`
	FailReason     string          `json:"fail_reason,omitempty"`
	Refunded       bool            `json:"refunded"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

func newOrderView(o *db.Order) orderView {
	return orderView{
		ID:             o.ID,
		Status:         o.Status,
		Purpose:        o.Purpose,
		Provider:       o.Provider,
		Amount:         o.Amount,
		Currency:       o.Currency,
		PriceUSDT:      o.PriceUSDT,
		ServerID:       o.ServerID,
		TariffID:       o.TariffID,
		SubscriptionID: o.SubscriptionID,
		BundlePlanID:   o.BundlePlanID,
		PaymentURL:     o.PaymentURL,
		FailReason:     o.FailReason,
		Refunded:       o.Refunded,
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
	}
}

type checkoutView struct {
	OrderID    uint            `json:"order_id"`
	Status     string          `json:"status"`
	PaymentURL string          `json:"payment_url"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

func newCheckoutView(c *services.Checkout) checkoutView {
	return checkoutView{
		OrderID:    c.Order.ID,
		Status:     c.Order.Status,
		PaymentURL: c.PaymentURL,
		Amount:     c.Amount,
		Currency:   c.Currency,
		ExpiresAt:  c.Order.ExpiresAt,
	}
}

// serverView: сервер без реквизитов панели
type serverView struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	Country   string `json:"country,omitempty"`
	Code      string `json:"country_code,omitempty"`
	Load      int    `json:"load"`
	MaxConn   int    `json:"max_conn"`
	Available bool   `json:"available"`
}

func newServerView(s *db.Server) serverView {
	v := serverView{
		ID:        s.ID,
		Name:      s.Name,
		Load:      s.NowConn,
		MaxConn:   s.MaxConn,
		Available: s.IsActive && (s.MaxConn <= 0 || s.NowConn < s.MaxConn),
	}
	if s.Country != nil {
		v.Country = s.Country.Name
		v.Code = s.Country.Code
	}
	return v
}

type tariffView struct {
	ID       uint            `json:"id"`
	ServerID uint            `json:"server_id,omitempty"`
	Days     int             `json:"days"`
	Price    decimal.Decimal `json:"price"`
	IsActive bool            `json:"is_active"`
}

type walletOpView struct {
	ID          uint            `json:"id"`
	Status      string          `json:"status"`
	Provider    string          `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentURL  string          `json:"payment_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func newWalletOpView(op *db.WalletOperation) walletOpView {
	return walletOpView{
		ID:          op.ID,
		Status:      op.Status,
		Provider:    op.Provider,
		Amount:      op.Amount,
		PaymentURL:  op.PaymentURL,
		CreatedAt:   op.CreatedAt,
		CompletedAt: op.CompletedAt,
	}
}

type txView struct {
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}
