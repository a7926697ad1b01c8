package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
)

// Ledger — реестр выданного доступа и нагрузка серверов
type Ledger struct {
	store    db.Store
	prov     *Provisioner
	notifier Notifier
	now      func() time.Time
}

func NewLedger(store db.Store, prov *Provisioner, notifier Notifier, opts Options) *Ledger {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Ledger{store: store, prov: prov, notifier: notifier, now: opts.Now}
}

// RecalcServerLoad пересчитывает now_conn по активным подпискам, а не
// инкрементом, так что пропущенные события не накапливаются
func (l *Ledger) RecalcServerLoad(ctx context.Context, tx db.Store, serverID uint) error {
	srv, err := tx.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	now := l.now()
	single, err := tx.CountActiveSubscriptions(ctx, serverID, now)
	if err != nil {
		return err
	}
	bundled, err := tx.CountActiveBundleItems(ctx, serverID, now)
	if err != nil {
		return err
	}
	load := int(single + bundled)
	isActive := srv.MaxConn <= 0 || load < srv.MaxConn
	if err := tx.UpdateServerLoad(ctx, serverID, load, isActive); err != nil {
		return err
	}
	metrics.ServerLoad.WithLabelValues(srv.Name).Set(float64(load))
	return nil
}

// ExpireSubscriptions гасит истёкшие подписки: флаги в БД, удаление клиента
// на панели, пересчёт нагрузки. Ошибка панели не мешает погасить строку
func (l *Ledger) ExpireSubscriptions(ctx context.Context) (int, error) {
	now := l.now()
	subs, err := l.store.ListExpiredActiveSubscriptions(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range subs {
		sub := subs[i]
		flipped := false
		if err := l.store.Transaction(ctx, func(tx db.Store) error {
			// продление могло успеть между выборкой и этой транзакцией
			cur, err := tx.GetSubscription(ctx, sub.ID)
			if err != nil || !cur.IsActive || cur.ExpiresAt.After(now) {
				return err
			}
			cur.IsActive = false
			cur.Status = db.SubExpired
			flipped = true
			return tx.SaveSubscription(ctx, cur)
		}); err != nil {
			logger.Error("expire subscription failed", zap.Uint("subscription", sub.ID), zap.Error(err))
			continue
		}
		if !flipped {
			continue
		}
		expired++
		l.deprovision(ctx, sub.ServerID, sub.ClientEmail)
		l.recalc(ctx, sub.ServerID)
		l.notifyUser(ctx, sub.UserID, "Ваша подписка завершена, для продления воспользуйтесь ботом")
	}

	bundles, err := l.store.ListExpiredActiveBundles(ctx, now)
	if err != nil {
		return expired, err
	}
	for i := range bundles {
		b := bundles[i]
		items, err := l.store.ListBundleItems(ctx, b.ID)
		if err != nil {
			logger.Error("list bundle items failed", zap.Uint("bundle", b.ID), zap.Error(err))
			continue
		}
		flipped := false
		if err := l.store.Transaction(ctx, func(tx db.Store) error {
			cur, err := tx.GetBundleSubscription(ctx, b.ID)
			if err != nil || !cur.IsActive || cur.ExpiresAt.After(now) {
				return err
			}
			cur.IsActive = false
			cur.Status = db.SubExpired
			flipped = true
			return tx.SaveBundleSubscription(ctx, cur)
		}); err != nil {
			logger.Error("expire bundle failed", zap.Uint("bundle", b.ID), zap.Error(err))
			continue
		}
		if !flipped {
			continue
		}
		expired++
		for _, it := range items {
			l.deprovision(ctx, it.ServerID, it.ClientEmail)
			l.recalc(ctx, it.ServerID)
		}
		l.notifyUser(ctx, b.UserID, "Ваш пакет серверов завершён, для продления воспользуйтесь ботом")
	}
	if expired > 0 {
		metrics.SweepExpired.WithLabelValues("subscription").Add(float64(expired))
		logger.Info("subscriptions expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (l *Ledger) deprovision(ctx context.Context, serverID uint, email string) {
	srv, err := l.store.GetServer(ctx, serverID)
	if err != nil {
		logger.Error("deprovision: server lookup failed", zap.Uint("server", serverID), zap.Error(err))
		return
	}
	if err := l.prov.Remove(ctx, srv, email); err != nil {
		logger.Warn("deprovision: remove client failed",
			zap.Uint("server", serverID), zap.String("email", email), zap.Error(err))
		logger.NotifyAdmin(fmt.Sprintf("Не удалось удалить клиента %s на сервере %s: %v", email, srv.Name, err))
	}
}

func (l *Ledger) recalc(ctx context.Context, serverID uint) {
	if err := l.store.Transaction(ctx, func(tx db.Store) error {
		return l.RecalcServerLoad(ctx, tx, serverID)
	}); err != nil {
		logger.Error("recalc server load failed", zap.Uint("server", serverID), zap.Error(err))
	}
}

func (l *Ledger) notifyUser(ctx context.Context, userID uint, text string) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		logger.Warn("notify: user lookup failed", zap.Uint("user", userID), zap.Error(err))
		return
	}
	l.notifier.NotifyUser(ctx, u.TelegramID, text)
}

// NotifyExpiring предупреждает о подписках, истекающих в ближайшие days дней,
// один раз на срок
func (l *Ledger) NotifyExpiring(ctx context.Context, days int) (int, error) {
	now := l.now()
	subs, err := l.store.ListExpiringSubscriptions(ctx, now, now.Add(time.Duration(days)*24*time.Hour))
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range subs {
		sub := subs[i]
		left := int(sub.ExpiresAt.Sub(now).Hours()/24) + 1
		l.notifyUser(ctx, sub.UserID, "Ваша подписка истекает через "+strconv.Itoa(left)+" дн. Продлить можно в приложении")
		sub.NotifiedExpiring = true
		if err := l.store.SaveSubscription(ctx, &sub); err != nil {
			logger.Error("mark notified failed", zap.Uint("subscription", sub.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// SubscriptionView: подписка для отображения; Active считается по expires_at
// в момент чтения, а не по сохранённому флагу
type SubscriptionView struct {
	ID         uint      `json:"id"`
	Kind       string    `json:"kind"`
	ServerID   uint      `json:"server_id,omitempty"`
	ServerName string    `json:"server_name,omitempty"`
	Country    string    `json:"country,omitempty"`
	PlanID     uint      `json:"plan_id,omitempty"`
	PlanName   string    `json:"plan_name,omitempty"`
	AccessData []string  `json:"access"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
	DaysLeft   int       `json:"days_left"`
}

func (l *Ledger) GetUserSubscriptions(ctx context.Context, userID uint) ([]SubscriptionView, error) {
	now := l.now()
	subs, err := l.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionView, 0, len(subs))
	servers := map[uint]*db.Server{}
	for _, s := range subs {
		v := SubscriptionView{
			ID:         s.ID,
			Kind:       "single",
			ServerID:   s.ServerID,
			AccessData: []string{s.AccessData},
			ExpiresAt:  s.ExpiresAt,
			Active:     s.ExpiresAt.After(now),
			DaysLeft:   daysLeft(s.ExpiresAt, now),
		}
		if srv := l.cachedServer(ctx, servers, s.ServerID); srv != nil {
			v.ServerName = srv.Name
			if srv.Country != nil {
				v.Country = srv.Country.Name
			}
		}
		out = append(out, v)
	}

	bundles, err := l.store.ListUserBundles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		v := SubscriptionView{
			ID:        b.ID,
			Kind:      "bundle",
			PlanID:    b.PlanID,
			ExpiresAt: b.ExpiresAt,
			Active:    b.ExpiresAt.After(now),
			DaysLeft:  daysLeft(b.ExpiresAt, now),
		}
		if plan, err := l.store.GetBundlePlan(ctx, b.PlanID); err == nil {
			v.PlanName = plan.Name
		}
		items, err := l.store.ListBundleItems(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			v.AccessData = append(v.AccessData, it.AccessData)
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *Ledger) HasActiveSubscription(ctx context.Context, userID uint) (bool, error) {
	views, err := l.GetUserSubscriptions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, v := range views {
		if v.Active {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) cachedServer(ctx context.Context, cache map[uint]*db.Server, id uint) *db.Server {
	if srv, ok := cache[id]; ok {
		return srv
	}
	srv, err := l.store.GetServer(ctx, id)
	if err != nil {
		srv = nil
	}
	cache[id] = srv
	return srv
}

func daysLeft(expires, now time.Time) int {
	if !expires.After(now) {
		return 0
	}
	return int(expires.Sub(now).Hours() / 24)
}
