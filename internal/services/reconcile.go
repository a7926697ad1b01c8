package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/payments"
)

// Результат обработки подтверждения оплаты
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeUnknown   = "unknown"
	OutcomeLate      = "late"
	OutcomeMismatch  = "mismatch"
	OutcomeIgnored   = "ignored"
)

// Confirmation: подтверждение оплаты от провайдера, уже прошедшее проверку подписи
type Confirmation struct {
	Provider          string
	ProviderPaymentID string
	Payload           string
	ChargeID          string
	Raw               []byte
}

// Reconciler проводит подтверждения всех провайдеров по одной схеме:
// платёж под блокировкой, идемпотентность по его статусу, затем кошелёк
// или заказ. Ошибки провайдеру не возвращаются, кроме сбоев БД
type Reconciler struct {
	store    db.Store
	orders   *OrderService
	wallet   *WalletService
	notifier Notifier
	now      func() time.Time
}

func NewReconciler(store db.Store, orders *OrderService, wallet *WalletService, notifier Notifier, opts Options) *Reconciler {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Reconciler{store: store, orders: orders, wallet: wallet, notifier: notifier, now: opts.Now}
}

type notice struct {
	userID uint
	text   string
}

func (r *Reconciler) Confirm(ctx context.Context, c Confirmation) (string, error) {
	log := logger.L().With(zap.String("provider", c.Provider), zap.String("provider_payment_id", c.ProviderPaymentID))

	kind, id, err := payments.ParsePayload(c.Payload)
	if err != nil {
		log.Warn("payment ignored", zap.String("reason", "bad payload"), zap.String("payload", c.Payload))
		metrics.PaymentEvents.WithLabelValues(c.Provider, OutcomeIgnored).Inc()
		return OutcomeIgnored, nil
	}

	var (
		outcome   string
		provision uint
		msg       *notice
	)
	err = r.store.Transaction(ctx, func(tx db.Store) error {
		p, err := tx.LockPaymentByProvider(ctx, c.Provider, c.ProviderPaymentID)
		if errors.Is(err, db.ErrNotFound) {
			outcome = OutcomeUnknown
			return nil
		}
		if err != nil {
			return err
		}
		if p.Status == db.PaymentPaid {
			outcome = OutcomeDuplicate
			return nil
		}
		if !payloadMatches(p, kind, id) {
			outcome = OutcomeMismatch
			return nil
		}

		now := r.now()
		p.Status = db.PaymentPaid
		p.PaidAt = &now
		if c.ChargeID != "" {
			p.ChargeID = c.ChargeID
		}
		if len(c.Raw) > 0 {
			p.Raw = datatypes.JSON(c.Raw)
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}

		if kind == payments.KindWallet {
			op, done, err := r.wallet.Complete(ctx, tx, id)
			if errors.Is(err, ErrOperationNotFound) {
				outcome = OutcomeIgnored
				return nil
			}
			if err != nil {
				return err
			}
			if !done {
				outcome = OutcomeDuplicate
				return nil
			}
			outcome = OutcomeProcessed
			msg = &notice{op.UserID, fmt.Sprintf("Баланс пополнен на %s USDT.", op.Amount.StringFixed(2))}
			return nil
		}

		o, err := tx.LockOrder(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			outcome = OutcomeIgnored
			return nil
		}
		if err != nil {
			return err
		}
		switch o.Status {
		case db.OrderPending:
			if _, err := r.orders.MarkPaid(ctx, tx, o); err != nil {
				return err
			}
			outcome = OutcomeProcessed
			provision = o.ID
		case db.OrderExpired, db.OrderCancelled:
			// заказ уже закрыт, деньги не теряем
			if _, err := creditWallet(ctx, tx, o.UserID, o.PriceUSDT, db.TxLatePayment, fmt.Sprintf("Оплата закрытого заказа #%d", o.ID)); err != nil {
				return err
			}
			outcome = OutcomeLate
			msg = &notice{o.UserID, fmt.Sprintf("Оплата по заказу #%d пришла после его закрытия. %s USDT зачислены на баланс.", o.ID, o.PriceUSDT.StringFixed(2))}
		default:
			outcome = OutcomeIgnored
		}
		return nil
	})
	if err != nil {
		log.Error("payment confirmation failed", zap.Error(err))
		return "", err
	}

	metrics.PaymentEvents.WithLabelValues(c.Provider, outcome).Inc()
	if outcome == OutcomeProcessed || outcome == OutcomeLate {
		log.Info("payment confirmed", zap.String("outcome", outcome), zap.String("payload", c.Payload))
	} else {
		log.Warn("payment ignored", zap.String("reason", outcome), zap.String("payload", c.Payload))
	}
	if outcome == OutcomeMismatch {
		logger.NotifyAdmin(fmt.Sprintf("Платёж %s/%s не совпадает с payload %s", c.Provider, c.ProviderPaymentID, c.Payload))
	}

	if provision != 0 {
		// итог выдачи записан в заказе, провайдеру он не нужен
		if _, err := r.orders.Provision(ctx, provision); err != nil {
			log.Warn("provision after payment failed", zap.Uint("order", provision), zap.Error(err))
		}
	}
	if msg != nil {
		r.notifyUser(ctx, msg.userID, msg.text)
	}
	return outcome, nil
}

// CanAccept отвечает на pre_checkout: платёж принимается, только пока заказ
// или операция ждут оплаты
func (r *Reconciler) CanAccept(ctx context.Context, payload string) bool {
	kind, id, err := payments.ParsePayload(payload)
	if err != nil {
		return false
	}
	if kind == payments.KindWallet {
		op, err := r.store.GetWalletOperation(ctx, id)
		return err == nil && op.Status == db.WalletOpPending
	}
	o, err := r.store.GetOrder(ctx, id)
	return err == nil && o.Status == db.OrderPending && !isLapsed(o, r.now())
}

func payloadMatches(p *db.Payment, kind string, id uint) bool {
	if kind == payments.KindWallet {
		return p.WalletOperationID != nil && *p.WalletOperationID == id
	}
	return p.OrderID != nil && *p.OrderID == id
}

func (r *Reconciler) notifyUser(ctx context.Context, userID uint, text string) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		logger.Warn("notify: user lookup failed", zap.Uint("user", userID), zap.Error(err))
		return
	}
	r.notifier.NotifyUser(ctx, u.TelegramID, text)
}
