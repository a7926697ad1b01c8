package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
)

type ReferralService struct {
	store db.Store
}

func NewReferralService(store db.Store) *ReferralService {
	return &ReferralService{store: store}
}

// ProcessReferralReward начисляет пригласившему процент от канонической цены
// тарифа. Вызывается в той же транзакции, что переводит заказ в completed,
// поэтому на заказ срабатывает один раз. nil без ошибки, начислять нечего
func (r *ReferralService) ProcessReferralReward(ctx context.Context, tx db.Store, o *db.Order) (*db.ReferralEarning, error) {
	if o.Provider == db.ProviderFreeDays {
		return nil, nil
	}
	user, err := tx.GetUser(ctx, o.UserID)
	if err != nil {
		return nil, err
	}
	if user.ReferrerID == nil || *user.ReferrerID == user.ID {
		return nil, nil
	}
	cfg, err := tx.GetActiveReferralConfig(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	price, err := canonicalPrice(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	reward := ReferralAmount(price, cfg.Percent)
	if !reward.IsPositive() {
		return nil, nil
	}

	earning := &db.ReferralEarning{
		ReferrerID: *user.ReferrerID,
		ReferredID: user.ID,
		OrderID:    o.ID,
		Percent:    cfg.Percent,
		Amount:     reward,
	}
	if err := tx.CreateReferralEarning(ctx, earning); err != nil {
		return nil, err
	}
	if _, err := creditWallet(ctx, tx, earning.ReferrerID, reward, db.TxReferral, fmt.Sprintf("Реферальное начисление за заказ #%d", o.ID)); err != nil {
		return nil, err
	}
	logger.Info("referral reward",
		zap.Uint("referrer", earning.ReferrerID), zap.Uint("order", o.ID), zap.String("amount", reward.String()))
	return earning, nil
}

// ReferralAmount = price * percent / 100 с точностью 6 знаков
func ReferralAmount(price, percent decimal.Decimal) decimal.Decimal {
	return price.Mul(percent).Div(hundred).Round(6)
}

func canonicalPrice(ctx context.Context, tx db.Store, o *db.Order) (decimal.Decimal, error) {
	switch {
	case o.TariffID != nil:
		t, err := tx.GetTariff(ctx, *o.TariffID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("tariff %d: %w", *o.TariffID, err)
		}
		return t.Price, nil
	case o.BundleTariffID != nil:
		t, err := tx.GetBundleTariff(ctx, *o.BundleTariffID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bundle tariff %d: %w", *o.BundleTariffID, err)
		}
		return t.Price, nil
	}
	return o.PriceUSDT, nil
}

// ActivateConfig включает новый процент и выключает остальные
func (r *ReferralService) ActivateConfig(ctx context.Context, percent decimal.Decimal) (*db.ReferralConfig, error) {
	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return nil, ErrInvalidAmount
	}
	var cfg *db.ReferralConfig
	err := r.store.Transaction(ctx, func(tx db.Store) error {
		var err error
		cfg, err = tx.ActivateReferralConfig(ctx, percent)
		return err
	})
	return cfg, err
}

type ReferralStats struct {
	Invited int64           `json:"invited"`
	Earned  decimal.Decimal `json:"earned"`
	Percent decimal.Decimal `json:"percent"`
}

func (r *ReferralService) Stats(ctx context.Context, userID uint) (*ReferralStats, error) {
	invited, err := r.store.CountReferrals(ctx, userID)
	if err != nil {
		return nil, err
	}
	earned, err := r.store.SumReferralEarnings(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &ReferralStats{Invited: invited, Earned: earned}
	if cfg, err := r.store.GetActiveReferralConfig(ctx); err == nil {
		st.Percent = cfg.Percent
	}
	return st, nil
}
