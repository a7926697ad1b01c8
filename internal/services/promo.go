package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
)

type PromoService struct {
	store db.Store
	now   func() time.Time
}

func NewPromoService(store db.Store, opts Options) *PromoService {
	opts = opts.withDefaults()
	return &PromoService{store: store, now: opts.Now}
}

type PromoResult struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Days   int             `json:"days,omitempty"`
}

// NormalizePromo приводит код к виду, в котором он хранится
func NormalizePromo(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply активирует промокод: не больше max_uses раз всего и один раз на пользователя
func (p *PromoService) Apply(ctx context.Context, userID uint, code string) (*PromoResult, error) {
	code = NormalizePromo(code)
	if code == "" {
		return nil, ErrPromoNotFound
	}
	var res *PromoResult
	err := p.store.Transaction(ctx, func(tx db.Store) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		promo, err := tx.LockPromoCode(ctx, code)
		if err != nil {
			return notFound(err, ErrPromoNotFound)
		}
		if !promo.IsActive || (promo.ExpiresAt != nil && promo.ExpiresAt.Before(p.now())) {
			return ErrPromoNotFound
		}
		if promo.MaxUses > 0 && promo.Uses >= promo.MaxUses {
			return ErrPromoExhausted
		}
		used, err := tx.HasPromoUsage(ctx, promo.ID, userID)
		if err != nil {
			return err
		}
		if used {
			return ErrPromoUsed
		}
		if err := tx.CreatePromoUsage(ctx, &db.PromoCodeUsage{PromoCodeID: promo.ID, UserID: userID}); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return ErrPromoUsed
			}
			return err
		}
		promo.Uses++
		if err := tx.SavePromoCode(ctx, promo); err != nil {
			return err
		}

		switch promo.Kind {
		case db.PromoKindBalance:
			if _, err := creditWallet(ctx, tx, userID, promo.Amount, db.TxPromo, "Промокод "+promo.Code); err != nil {
				return err
			}
			res = &PromoResult{Kind: promo.Kind, Amount: promo.Amount}
		case db.PromoKindDays:
			if _, err := creditDays(ctx, tx, userID, promo.Days, db.DaysSourcePromo, promo.Code); err != nil {
				return err
			}
			res = &PromoResult{Kind: promo.Kind, Days: promo.Days}
		default:
			return fmt.Errorf("promo %d: unknown kind %q", promo.ID, promo.Kind)
		}
		return nil
	})
	return res, err
}
