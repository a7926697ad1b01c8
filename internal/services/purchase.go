package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/payments"
)

// Что покупается
const (
	PurchaseServer    = "buy"
	PurchaseExtension = "extension"
	PurchaseBundle    = "bundle"
)

type PurchaseRequest struct {
	UserID         uint
	Provider       string
	Purpose        string
	TariffID       uint
	SubscriptionID uint
	BundleTariffID uint
}

// Checkout: созданный заказ и ссылка на оплату
type Checkout struct {
	Order      *db.Order       `json:"order"`
	PaymentURL string          `json:"payment_url"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type quote struct {
	Amount   decimal.Decimal
	Currency string
	Stars    int
}

// StartPurchase создаёт заказ и счёт у внешнего провайдера. Если счёт
// выставить не удалось, заказ отменяется, чтобы не держать слот активного заказа
func (s *OrderService) StartPurchase(ctx context.Context, req PurchaseRequest) (*Checkout, error) {
	rail, ok := s.rails[req.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	var (
		order *db.Order
		q     quote
		title string
	)
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		d, t, err := s.resolve(ctx, tx, req)
		if err != nil {
			return err
		}
		if q, err = quoteFor(ctx, tx, req.Provider, d.PriceUSDT); err != nil {
			return err
		}
		d.Provider = req.Provider
		d.Amount = q.Amount
		d.Currency = q.Currency
		order, err = s.CreateOrder(ctx, tx, d)
		title = t
		return err
	})
	if err != nil {
		return nil, s.conflict(ctx, req.UserID, err)
	}
	metrics.OrdersCreated.WithLabelValues(order.Purpose, order.Provider).Inc()

	invReq := payments.InvoiceRequest{
		Payload:     payments.FormatPayload(payloadKind(order.Purpose), order.ID),
		Title:       title,
		Description: title,
		AmountUSDT:  order.PriceUSDT,
		Stars:       q.Stars,
	}
	if q.Currency == "RUB" {
		invReq.AmountRUB = q.Amount
	}
	inv, err := rail.CreateInvoice(ctx, invReq)
	if err != nil {
		s.abandon(ctx, order.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrInvoiceFailed, err)
	}

	err = s.store.Transaction(ctx, func(tx db.Store) error {
		if err := tx.CreatePayment(ctx, &db.Payment{
			OrderID:           uintPtr(order.ID),
			Provider:          req.Provider,
			ProviderPaymentID: inv.ProviderPaymentID,
			Amount:            q.Amount,
			Currency:          q.Currency,
			Status:            db.PaymentPending,
		}); err != nil {
			return err
		}
		o, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		o.PaymentURL = inv.URL
		order = o
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		s.abandon(ctx, order.ID, err)
		return nil, err
	}
	logger.Info("invoice created",
		zap.Uint("order", order.ID), zap.String("provider", req.Provider),
		zap.String("amount", q.Amount.String()), zap.String("currency", q.Currency))
	return &Checkout{Order: order, PaymentURL: inv.URL, Amount: q.Amount, Currency: q.Currency}, nil
}

func (s *OrderService) abandon(ctx context.Context, orderID uint, cause error) {
	logger.Error("invoice failed, cancelling order", zap.Uint("order", orderID), zap.Error(cause))
	if _, err := s.CancelOrder(ctx, orderID, 0); err != nil {
		logger.Error("cancel order after invoice failure", zap.Uint("order", orderID), zap.Error(err))
	}
}

// PayFromBalance списывает цену с кошелька и сразу выдаёт доступ. Остаток
// проверяется под блокировкой кошелька до создания заказа
func (s *OrderService) PayFromBalance(ctx context.Context, req PurchaseRequest) (*db.Order, error) {
	var order *db.Order
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		if _, err := tx.LockUser(ctx, req.UserID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		d, title, err := s.resolve(ctx, tx, req)
		if err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(d.PriceUSDT) {
			return ErrNotEnoughBalance
		}

		d.Provider = db.ProviderBalance
		d.Amount = d.PriceUSDT
		d.Currency = "USDT"
		o, err := s.CreateOrder(ctx, tx, d)
		if err != nil {
			return err
		}
		txType := db.TxBuy
		if o.Purpose == db.PurposeExtension || o.Purpose == db.PurposeBundleExtension {
			txType = db.TxExtend
		}
		if _, err := debitWallet(ctx, tx, req.UserID, o.PriceUSDT, txType, fmt.Sprintf("%s, заказ #%d", title, o.ID)); err != nil {
			return err
		}
		if _, err := s.MarkPaid(ctx, tx, o); err != nil {
			return err
		}
		now := s.opts.Now()
		if err := tx.CreatePayment(ctx, &db.Payment{
			OrderID:           uintPtr(o.ID),
			Provider:          db.ProviderBalance,
			ProviderPaymentID: fmt.Sprintf("balance_%d", o.ID),
			Amount:            o.Amount,
			Currency:          o.Currency,
			Status:            db.PaymentPaid,
			PaidAt:            &now,
		}); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, s.conflict(ctx, req.UserID, err)
	}
	metrics.OrdersCreated.WithLabelValues(order.Purpose, order.Provider).Inc()
	return s.Provision(ctx, order.ID)
}

func (s *OrderService) BuyFromBalance(ctx context.Context, userID, tariffID uint) (*db.Order, error) {
	return s.PayFromBalance(ctx, PurchaseRequest{UserID: userID, Purpose: PurchaseServer, TariffID: tariffID})
}

func (s *OrderService) RenewFromBalance(ctx context.Context, userID, subscriptionID, tariffID uint) (*db.Order, error) {
	return s.PayFromBalance(ctx, PurchaseRequest{UserID: userID, Purpose: PurchaseExtension, SubscriptionID: subscriptionID, TariffID: tariffID})
}

func (s *OrderService) BundleFromBalance(ctx context.Context, userID, bundleTariffID uint) (*db.Order, error) {
	return s.PayFromBalance(ctx, PurchaseRequest{UserID: userID, Purpose: PurchaseBundle, BundleTariffID: bundleTariffID})
}

// resolve проверяет цель покупки и собирает черновик заказа с канонической ценой
func (s *OrderService) resolve(ctx context.Context, tx db.Store, req PurchaseRequest) (OrderDraft, string, error) {
	d := OrderDraft{UserID: req.UserID}
	switch req.Purpose {
	case PurchaseServer:
		t, err := tx.GetTariff(ctx, req.TariffID)
		if err != nil || !t.IsActive {
			return d, "", notFoundOr(err, ErrTariffNotFound)
		}
		srv, err := tx.GetServer(ctx, t.ServerID)
		if err != nil {
			return d, "", notFound(err, ErrServerNotFound)
		}
		if !srv.IsActive {
			return d, "", ErrServerUnavailable
		}
		d.Purpose = db.PurposeBuy
		d.ServerID = uintPtr(srv.ID)
		d.TariffID = uintPtr(t.ID)
		d.PriceUSDT = t.Price
		return d, fmt.Sprintf("VPN %s, %d дн.", srv.Name, t.Days), nil

	case PurchaseExtension:
		sub, err := tx.GetSubscription(ctx, req.SubscriptionID)
		if err != nil || sub.UserID != req.UserID {
			return d, "", notFoundOr(err, ErrSubscriptionNotFound)
		}
		t, err := tx.GetTariff(ctx, req.TariffID)
		if err != nil || !t.IsActive || t.ServerID != sub.ServerID {
			return d, "", notFoundOr(err, ErrTariffNotFound)
		}
		name := fmt.Sprintf("#%d", sub.ServerID)
		if srv, err := tx.GetServer(ctx, sub.ServerID); err == nil {
			name = srv.Name
		}
		d.Purpose = db.PurposeExtension
		d.ServerID = uintPtr(sub.ServerID)
		d.TariffID = uintPtr(t.ID)
		d.SubscriptionID = uintPtr(sub.ID)
		d.PriceUSDT = t.Price
		return d, fmt.Sprintf("Продление VPN %s, %d дн.", name, t.Days), nil

	case PurchaseBundle:
		bt, err := tx.GetBundleTariff(ctx, req.BundleTariffID)
		if err != nil || !bt.IsActive {
			return d, "", notFoundOr(err, ErrTariffNotFound)
		}
		plan, err := tx.GetBundlePlan(ctx, bt.PlanID)
		if err != nil || !plan.IsActive {
			return d, "", notFoundOr(err, ErrBundleNotFound)
		}
		d.Purpose = db.PurposeBundleBuy
		d.BundlePlanID = uintPtr(plan.ID)
		d.BundleTariffID = uintPtr(bt.ID)
		d.PriceUSDT = bt.Price
		title := fmt.Sprintf("Пакет %s, %d дн.", plan.Name, bt.Days)
		// пакет уже куплен: продлеваем его
		existing, err := tx.FindBundleSubscription(ctx, req.UserID, plan.ID)
		switch {
		case err == nil:
			d.Purpose = db.PurposeBundleExtension
			d.BundleSubscriptionID = uintPtr(existing.ID)
			title = "Продление: " + title
		case !errors.Is(err, db.ErrNotFound):
			return d, "", err
		}
		return d, title, nil
	}
	return d, "", ErrBadRequest
}

// quoteFor переводит каноническую цену в валюту провайдера
func quoteFor(ctx context.Context, tx db.Store, provider string, usdt decimal.Decimal) (quote, error) {
	switch provider {
	case db.ProviderStars:
		rate, err := tx.GetExchangeRate(ctx, db.PairStarsUSDT)
		if err != nil {
			return quote{}, notFound(err, ErrRateNotSet)
		}
		n, err := payments.StarsFor(usdt, rate.Rate)
		if err != nil {
			return quote{}, ErrRateNotSet
		}
		return quote{Amount: decimal.NewFromInt(int64(n)), Currency: "XTR", Stars: n}, nil
	case db.ProviderYooKassa:
		rate, err := tx.GetExchangeRate(ctx, db.PairUSDTRUB)
		if err != nil {
			return quote{}, notFound(err, ErrRateNotSet)
		}
		rub, err := payments.RUBFor(usdt, rate.Rate)
		if err != nil {
			return quote{}, ErrRateNotSet
		}
		return quote{Amount: rub, Currency: "RUB"}, nil
	case db.ProviderCrypto, db.ProviderBalance:
		return quote{Amount: usdt, Currency: "USDT"}, nil
	}
	return quote{}, ErrUnknownProvider
}

func payloadKind(purpose string) string {
	if purpose == db.PurposeBuy || purpose == db.PurposeBundleBuy {
		return payments.KindBuy
	}
	return payments.KindRenew
}

// notFoundOr: ошибка чтения превращается в domain только для ErrNotFound,
// а nil (строка есть, но не подходит) всегда в domain
func notFoundOr(err, domain error) error {
	if err == nil {
		return domain
	}
	return notFound(err, domain)
}
