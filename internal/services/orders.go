package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/payments"
)

// OrderService — машина состояний заказа:
// pending → paid → processing → completed, боковые выходы expired, cancelled, failed
type OrderService struct {
	store    db.Store
	prov     *Provisioner
	ledger   *Ledger
	referral *ReferralService
	notifier Notifier
	rails    map[string]payments.Rail
	opts     Options
}

func NewOrderService(store db.Store, prov *Provisioner, ledger *Ledger, referral *ReferralService, notifier Notifier, rails []payments.Rail, opts Options) *OrderService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	m := make(map[string]payments.Rail, len(rails))
	for _, r := range rails {
		if r != nil {
			m[r.Provider()] = r
		}
	}
	return &OrderService{
		store:    store,
		prov:     prov,
		ledger:   ledger,
		referral: referral,
		notifier: notifier,
		rails:    m,
		opts:     opts.withDefaults(),
	}
}

// OrderDraft: всё, что нужно для создания заказа
type OrderDraft struct {
	UserID               uint
	Purpose              string
	Provider             string
	ServerID             *uint
	TariffID             *uint
	SubscriptionID       *uint
	BundlePlanID         *uint
	BundleTariffID       *uint
	BundleSubscriptionID *uint
	Amount               decimal.Decimal
	Currency             string
	PriceUSDT            decimal.Decimal
}

// CreateOrder создаёт заказ в pending под блокировкой строки пользователя.
// Второй активный заказ запрещён: проверкой здесь и частичным уникальным
// индексом в БД
func (s *OrderService) CreateOrder(ctx context.Context, tx db.Store, d OrderDraft) (*db.Order, error) {
	if _, err := tx.LockUser(ctx, d.UserID); err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	now := s.opts.Now()
	active, err := tx.FindActiveOrder(ctx, d.UserID)
	switch {
	case err == nil && isLapsed(active, now):
		active.Status = db.OrderExpired
		if err := tx.SaveOrder(ctx, active); err != nil {
			return nil, err
		}
	case err == nil:
		return nil, activeOrderError(active)
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	o := &db.Order{
		UserID:               d.UserID,
		ServerID:             d.ServerID,
		TariffID:             d.TariffID,
		SubscriptionID:       d.SubscriptionID,
		BundlePlanID:         d.BundlePlanID,
		BundleTariffID:       d.BundleTariffID,
		BundleSubscriptionID: d.BundleSubscriptionID,
		Purpose:              d.Purpose,
		Amount:               d.Amount,
		Currency:             d.Currency,
		PriceUSDT:            d.PriceUSDT,
		Provider:             d.Provider,
		Status:               db.OrderPending,
	}
	if d.Provider != db.ProviderBalance {
		o.ExpiresAt = timePtr(now.Add(s.opts.OrderTTL))
	}
	if err := tx.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrActiveOrderExists
		}
		return nil, err
	}
	return o, nil
}

// conflict дополняет голый ErrActiveOrderExists (сработал индекс) данными
// конфликтующего заказа; читать приходится уже после отката транзакции
func (s *OrderService) conflict(ctx context.Context, userID uint, err error) error {
	var ae *ActiveOrderError
	if !errors.Is(err, ErrActiveOrderExists) || errors.As(err, &ae) {
		return err
	}
	if o, ferr := s.store.FindActiveOrder(ctx, userID); ferr == nil {
		return activeOrderError(o)
	}
	return err
}

// MarkPaid: pending → paid. false, если заказ уже не pending (повторное уведомление)
func (s *OrderService) MarkPaid(ctx context.Context, tx db.Store, o *db.Order) (bool, error) {
	if o.Status != db.OrderPending {
		return false, nil
	}
	o.Status = db.OrderPaid
	if err := tx.SaveOrder(ctx, o); err != nil {
		return false, err
	}
	metrics.OrderTransitions.WithLabelValues(db.OrderPaid).Inc()
	return true, nil
}

// grant: результат работы панели, ещё не записанный в БД
type grant struct {
	sub     *db.VPNSubscription
	bundle  *db.BundleSubscription
	items   []db.BundleSubscriptionItem
	servers []uint
	message string
}

func (g *grant) save(ctx context.Context, tx db.Store, o *db.Order) error {
	switch {
	case g.sub != nil && g.sub.ID == 0:
		if err := tx.CreateSubscription(ctx, g.sub); err != nil {
			return err
		}
		o.SubscriptionID = uintPtr(g.sub.ID)
	case g.sub != nil:
		return tx.SaveSubscription(ctx, g.sub)
	case g.bundle != nil && g.bundle.ID == 0:
		if err := tx.CreateBundleSubscription(ctx, g.bundle, g.items); err != nil {
			return err
		}
		o.BundleSubscriptionID = uintPtr(g.bundle.ID)
	case g.bundle != nil:
		if err := tx.SaveBundleSubscription(ctx, g.bundle); err != nil {
			return err
		}
		for i := range g.items {
			if err := tx.SaveBundleItem(ctx, &g.items[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Provision переводит оплаченный заказ в processing, выдаёт доступ на панели
// вне транзакции и второй транзакцией записывает реестр, completed и
// реферальное начисление. Повторный вызов для не-paid заказа ничего не делает
func (s *OrderService) Provision(ctx context.Context, orderID uint) (*db.Order, error) {
	var (
		order   *db.Order
		claimed bool
	)
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		order = o
		if o.Status != db.OrderPaid {
			return nil
		}
		o.Status = db.OrderProcessing
		claimed = true
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return order, nil
	}
	metrics.OrderTransitions.WithLabelValues(db.OrderProcessing).Inc()

	start := time.Now()
	g, err := s.grant(ctx, order)
	metrics.ProvisionDuration.WithLabelValues(order.Purpose).Observe(time.Since(start).Seconds())
	if err != nil {
		// частично продлённый пакет: дни на части серверов уже добавлены
		var pe *PartialGrantError
		return s.fail(ctx, order.ID, err, !errors.As(err, &pe))
	}

	var earning *db.ReferralEarning
	err = s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := g.save(ctx, tx, o); err != nil {
			return err
		}
		o.Status = db.OrderCompleted
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		for _, sid := range g.servers {
			if err := s.ledger.RecalcServerLoad(ctx, tx, sid); err != nil {
				return err
			}
		}
		if earning, err = s.referral.ProcessReferralReward(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		// доступ на панели уже выдан, возврат не делаем
		logger.NotifyAdmin(fmt.Sprintf("Заказ #%d: доступ выдан, но запись в БД не удалась: %v", order.ID, err))
		return s.fail(ctx, order.ID, fmt.Errorf("ledger write: %w", err), false)
	}
	metrics.OrderTransitions.WithLabelValues(db.OrderCompleted).Inc()
	logger.Info("order completed",
		zap.Uint("order", order.ID), zap.Uint("user", order.UserID),
		zap.String("purpose", order.Purpose), zap.String("provider", order.Provider))
	s.notifyUser(ctx, order.UserID, g.message)
	if earning != nil {
		s.notifyUser(ctx, earning.ReferrerID, fmt.Sprintf("Реферальное начисление: %s USDT.", earning.Amount.StringFixed(2)))
	}
	return order, nil
}

func (s *OrderService) grant(ctx context.Context, o *db.Order) (*grant, error) {
	user, err := s.store.GetUser(ctx, o.UserID)
	if err != nil {
		return nil, err
	}
	switch o.Purpose {
	case db.PurposeBuy, db.PurposeExtension:
		tariff, err := s.store.GetTariff(ctx, deref(o.TariffID))
		if err != nil {
			return nil, fmt.Errorf("tariff: %w", err)
		}
		var existing *db.VPNSubscription
		serverID := deref(o.ServerID)
		if o.Purpose == db.PurposeExtension {
			if existing, err = s.store.GetSubscription(ctx, deref(o.SubscriptionID)); err != nil {
				return nil, fmt.Errorf("subscription: %w", err)
			}
			serverID = existing.ServerID
		}
		srv, err := s.store.GetServer(ctx, serverID)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		sub, err := s.prov.Apply(ctx, user, srv, existing, tariff.Days)
		if err != nil {
			return nil, err
		}
		return &grant{sub: sub, servers: []uint{srv.ID}, message: accessMessage(srv.Name, sub.ExpiresAt, sub.AccessData)}, nil

	case db.PurposeBundleBuy, db.PurposeBundleExtension:
		bt, err := s.store.GetBundleTariff(ctx, deref(o.BundleTariffID))
		if err != nil {
			return nil, fmt.Errorf("bundle tariff: %w", err)
		}
		servers, err := s.store.ListBundleServers(ctx, bt.PlanID)
		if err != nil {
			return nil, err
		}
		if o.Purpose == db.PurposeBundleBuy {
			items, expires, err := s.prov.CreateBundle(ctx, user, servers, bt.Days)
			if err != nil {
				return nil, err
			}
			g := &grant{
				bundle: &db.BundleSubscription{UserID: user.ID, PlanID: bt.PlanID, ExpiresAt: expires, IsActive: true, Status: db.SubActive},
				items:  items,
			}
			for _, it := range items {
				g.servers = append(g.servers, it.ServerID)
			}
			g.message = bundleMessage(expires, items)
			return g, nil
		}

		b, err := s.store.GetBundleSubscription(ctx, deref(o.BundleSubscriptionID))
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}
		items, err := s.store.ListBundleItems(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		byID := make(map[uint]*db.Server, len(servers))
		for i := range servers {
			byID[servers[i].ID] = &servers[i]
		}
		for _, it := range items {
			if _, ok := byID[it.ServerID]; !ok {
				if srv, err := s.store.GetServer(ctx, it.ServerID); err == nil {
					byID[srv.ID] = srv
				}
			}
		}
		changed, expires, err := s.prov.ExtendBundle(ctx, b, items, byID, bt.Days)
		if err != nil {
			return nil, err
		}
		for _, c := range changed {
			for i := range items {
				if items[i].ID == c.ID {
					items[i] = c
				}
			}
		}
		ext := *b
		ext.ExpiresAt = expires
		ext.IsActive = true
		ext.Status = db.SubActive
		g := &grant{bundle: &ext, items: changed, message: bundleMessage(expires, items)}
		for _, it := range items {
			g.servers = append(g.servers, it.ServerID)
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown order purpose %q", o.Purpose)
}

// fail: processing → failed. При refund и включённом REFUND_ON_FAILURE
// каноническая цена заказа возвращается на баланс
func (s *OrderService) fail(ctx context.Context, orderID uint, cause error, refund bool) (*db.Order, error) {
	var (
		order    *db.Order
		refunded bool
	)
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		if o.Status != db.OrderProcessing {
			return nil
		}
		o.Status = db.OrderFailed
		o.FailReason = truncate(cause.Error(), 500)
		if refund && s.opts.RefundOnFailure && o.PriceUSDT.IsPositive() && !o.Refunded {
			if _, err := creditWallet(ctx, tx, o.UserID, o.PriceUSDT, db.TxRefund, fmt.Sprintf("Возврат за заказ #%d", o.ID)); err != nil {
				return err
			}
			o.Refunded = true
			refunded = true
		}
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		logger.Error("mark order failed: write error", zap.Uint("order", orderID), zap.NamedError("cause", cause), zap.Error(err))
		return order, fmt.Errorf("%w: %v", ErrProvisionFailed, cause)
	}
	metrics.OrderTransitions.WithLabelValues(db.OrderFailed).Inc()
	logger.Error("order provisioning failed", zap.Uint("order", orderID), zap.Bool("refunded", refunded), zap.Error(cause))
	logger.NotifyAdmin(fmt.Sprintf("Заказ #%d не выполнен: %v", orderID, cause))

	msg := fmt.Sprintf("Не удалось выдать доступ по заказу #%d. Мы уже разбираемся.", orderID)
	if refunded {
		msg = fmt.Sprintf("Не удалось выдать доступ по заказу #%d. %s USDT возвращены на баланс.", orderID, order.PriceUSDT.StringFixed(2))
	}
	s.notifyUser(ctx, order.UserID, msg)
	return order, fmt.Errorf("%w: %v", ErrProvisionFailed, cause)
}

// RefundOrder: ручной возврат на баланс для failed заказа
func (s *OrderService) RefundOrder(ctx context.Context, orderID uint) (*db.Order, error) {
	var order *db.Order
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		if o.Status != db.OrderFailed || o.Refunded || !o.PriceUSDT.IsPositive() {
			return ErrOrderNotRefundable
		}
		if _, err := creditWallet(ctx, tx, o.UserID, o.PriceUSDT, db.TxRefund, fmt.Sprintf("Возврат за заказ #%d", o.ID)); err != nil {
			return err
		}
		o.Refunded = true
		order = o
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, order.UserID, fmt.Sprintf("По заказу #%d %s USDT возвращены на баланс.", order.ID, order.PriceUSDT.StringFixed(2)))
	return order, nil
}

// CancelOrder: только pending → cancelled. при userID == 0 без проверки владельца
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID uint) (*db.Order, error) {
	var order *db.Order
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		if userID != 0 && o.UserID != userID {
			return ErrOrderNotFound
		}
		if o.Status != db.OrderPending {
			return ErrOrderCantCancel
		}
		o.Status = db.OrderCancelled
		order = o
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(db.OrderCancelled).Inc()
	return order, nil
}

// ExpireStalePending переводит просроченные pending заказы в expired
func (s *OrderService) ExpireStalePending(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireStaleOrders(ctx, s.opts.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SweepExpired.WithLabelValues("order").Add(float64(n))
		metrics.OrderTransitions.WithLabelValues(db.OrderExpired).Add(float64(n))
		logger.Info("stale orders expired", zap.Int64("count", n))
	}
	return n, nil
}

// GetActiveOrder возвращает pending/processing заказ пользователя; просроченный
// pending по дороге переводится в expired
func (s *OrderService) GetActiveOrder(ctx context.Context, userID uint) (*db.Order, error) {
	var out *db.Order
	err := s.store.Transaction(ctx, func(tx db.Store) error {
		o, err := tx.FindActiveOrder(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if isLapsed(o, s.opts.Now()) {
			o.Status = db.OrderExpired
			return tx.SaveOrder(ctx, o)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrOrderNotFound
	}
	return out, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id uint) (*db.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	return o, nil
}

func (s *OrderService) notifyUser(ctx context.Context, userID uint, text string) {
	if text == "" {
		return
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		logger.Warn("notify: user lookup failed", zap.Uint("user", userID), zap.Error(err))
		return
	}
	s.notifier.NotifyUser(ctx, u.TelegramID, text)
}

func isLapsed(o *db.Order, now time.Time) bool {
	return o.Status == db.OrderPending && o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

func deref(p *uint) uint {
	if p == nil {
		return 0
	}
	return *p
}

// truncate обрезает до n байт по границе руны
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func accessMessage(server string, expires time.Time, access string) string {
	return fmt.Sprintf("Доступ к серверу %s активен до %s.\n\n%s", server, expires.Format("02.01.2006"), access)
}

func bundleMessage(expires time.Time, items []db.BundleSubscriptionItem) string {
	msg := fmt.Sprintf("Пакет серверов активен до %s.", expires.Format("02.01.2006"))
	for _, it := range items {
		msg += "\n\n" + it.AccessData
	}
	return msg
}
