package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
)

// FreeDaysService: баланс бесплатных дней. Каждое изменение баланса идёт
// парой с записью UserRewardOp под блокировкой строки баланса
type FreeDaysService struct {
	store    db.Store
	prov     *Provisioner
	ledger   *Ledger
	notifier Notifier
	now      func() time.Time
}

func NewFreeDaysService(store db.Store, prov *Provisioner, ledger *Ledger, notifier Notifier, opts Options) *FreeDaysService {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &FreeDaysService{store: store, prov: prov, ledger: ledger, notifier: notifier, now: opts.Now}
}

// lockDays берёт строку баланса и переносит в неё старые награды
func lockDays(ctx context.Context, tx db.Store, userID uint) (*db.UserFreeDaysBalance, error) {
	b, err := tx.LockFreeDays(ctx, userID)
	if err != nil {
		return nil, err
	}
	rewards, err := tx.ListUnmigratedRewards(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(rewards) == 0 {
		return b, nil
	}
	for i := range rewards {
		r := rewards[i]
		if !r.IsActivated && r.Days > 0 {
			b.Days += r.Days
			if err := tx.AddRewardOp(ctx, &db.UserRewardOp{
				UserID: userID,
				Delta:  r.Days,
				Source: db.DaysSourceLegacy,
				Ref:    fmt.Sprintf("reward:%d", r.ID),
			}); err != nil {
				return nil, err
			}
		}
		r.Migrated = true
		if err := tx.SaveReward(ctx, &r); err != nil {
			return nil, err
		}
	}
	if err := tx.SaveFreeDays(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func creditDays(ctx context.Context, tx db.Store, userID uint, days int, source, ref string) (int, error) {
	b, err := lockDays(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	b.Days += days
	if err := tx.SaveFreeDays(ctx, b); err != nil {
		return 0, err
	}
	if err := tx.AddRewardOp(ctx, &db.UserRewardOp{UserID: userID, Delta: days, Source: source, Ref: ref}); err != nil {
		return 0, err
	}
	return b.Days, nil
}

func debitDays(ctx context.Context, tx db.Store, userID uint, days int, source, ref string) (int, error) {
	b, err := lockDays(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if b.Days < days {
		return 0, ErrNotEnoughDays
	}
	b.Days -= days
	if err := tx.SaveFreeDays(ctx, b); err != nil {
		return 0, err
	}
	if err := tx.AddRewardOp(ctx, &db.UserRewardOp{UserID: userID, Delta: -days, Source: source, Ref: ref}); err != nil {
		return 0, err
	}
	return b.Days, nil
}

func (f *FreeDaysService) Balance(ctx context.Context, userID uint) (int, error) {
	var days int
	err := f.store.Transaction(ctx, func(tx db.Store) error {
		b, err := lockDays(ctx, tx, userID)
		if err != nil {
			return err
		}
		days = b.Days
		return nil
	})
	return days, err
}

func (f *FreeDaysService) Credit(ctx context.Context, userID uint, days int, source, ref string) (int, error) {
	if days <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int
	err := f.store.Transaction(ctx, func(tx db.Store) error {
		var err error
		balance, err = creditDays(ctx, tx, userID, days, source, ref)
		return err
	})
	return balance, err
}

func (f *FreeDaysService) Debit(ctx context.Context, userID uint, days int, source, ref string) (int, error) {
	if days <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int
	err := f.store.Transaction(ctx, func(tx db.Store) error {
		var err error
		balance, err = debitDays(ctx, tx, userID, days, source, ref)
		return err
	})
	return balance, err
}

func (f *FreeDaysService) History(ctx context.Context, userID uint, limit int) ([]db.UserRewardOp, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return f.store.ListRewardOps(ctx, userID, limit)
}

// Activate тратит days бесплатных дней на доступ к серверу: продлевает
// подписку пользователя на нём или создаёт новую. Если панель не ответила,
// дни возвращаются на баланс
func (f *FreeDaysService) Activate(ctx context.Context, userID, serverID uint, days int) (*db.VPNSubscription, error) {
	if days <= 0 {
		return nil, ErrInvalidAmount
	}
	user, err := f.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	srv, err := f.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFound(err, ErrServerNotFound)
	}
	existing, err := f.store.FindUserSubscriptionOnServer(ctx, userID, serverID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		existing = nil
		if !srv.IsActive {
			return nil, ErrServerUnavailable
		}
	case err != nil:
		return nil, err
	}

	ref := fmt.Sprintf("server:%d", serverID)
	if _, err := f.Debit(ctx, userID, days, db.DaysSourceActivate, ref); err != nil {
		return nil, err
	}

	sub, err := f.prov.Apply(ctx, user, srv, existing, days)
	if err != nil {
		logger.Error("free days activation failed", zap.Uint("user", userID), zap.Uint("server", serverID), zap.Error(err))
		if _, cerr := f.Credit(ctx, userID, days, db.DaysSourceRefund, ref); cerr != nil {
			logger.Error("free days refund failed", zap.Uint("user", userID), zap.Int("days", days), zap.Error(cerr))
			logger.NotifyAdmin(fmt.Sprintf("Не удалось вернуть %d бесплатных дней пользователю %d: %v", days, userID, cerr))
		}
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	err = f.store.Transaction(ctx, func(tx db.Store) error {
		purpose := db.PurposeExtension
		if sub.ID == 0 {
			purpose = db.PurposeBuy
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
		} else if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		// заказ нулевой суммы только для истории
		if err := tx.CreateOrder(ctx, &db.Order{
			UserID:         userID,
			ServerID:       uintPtr(serverID),
			SubscriptionID: uintPtr(sub.ID),
			Purpose:        purpose,
			Amount:         decimal.Zero,
			Currency:       "DAYS",
			Provider:       db.ProviderFreeDays,
			Status:         db.OrderCompleted,
		}); err != nil {
			return err
		}
		return f.ledger.RecalcServerLoad(ctx, tx, serverID)
	})
	if err != nil {
		logger.NotifyAdmin(fmt.Sprintf("Бесплатные дни пользователя %d выданы на сервере %s, но запись в БД не удалась: %v", userID, srv.Name, err))
		return nil, err
	}
	f.notifier.NotifyUser(ctx, user.TelegramID, accessMessage(srv.Name, sub.ExpiresAt, sub.AccessData))
	return sub, nil
}
