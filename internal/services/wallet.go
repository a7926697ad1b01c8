package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/payments"
)

// WalletService: пополнение кошелька через внешних провайдеров
type WalletService struct {
	store db.Store
	rails map[string]payments.Rail
	opts  Options
}

func NewWalletService(store db.Store, rails []payments.Rail, opts Options) *WalletService {
	m := make(map[string]payments.Rail, len(rails))
	for _, r := range rails {
		if r != nil {
			m[r.Provider()] = r
		}
	}
	return &WalletService{store: store, rails: m, opts: opts.withDefaults()}
}

type Deposit struct {
	Operation  *db.WalletOperation `json:"operation"`
	PaymentURL string              `json:"payment_url"`
	Amount     decimal.Decimal     `json:"amount"`
	Currency   string              `json:"currency"`
}

type depositMeta struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Deposit создаёт операцию пополнения на amount USDT и счёт у провайдера
func (w *WalletService) Deposit(ctx context.Context, userID uint, provider string, amount decimal.Decimal) (*Deposit, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if provider == db.ProviderCrypto && amount.LessThan(payments.MinCryptoDeposit) {
		return nil, ErrAmountTooSmall
	}
	rail, ok := w.rails[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	var (
		op *db.WalletOperation
		q  quote
	)
	err := w.store.Transaction(ctx, func(tx db.Store) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		var err error
		if q, err = quoteFor(ctx, tx, provider, amount); err != nil {
			return err
		}
		meta, err := json.Marshal(depositMeta{Amount: q.Amount.String(), Currency: q.Currency})
		if err != nil {
			return err
		}
		op = &db.WalletOperation{
			UserID:   userID,
			Type:     db.TxDeposit,
			Amount:   amount,
			Status:   db.WalletOpPending,
			Provider: provider,
			Meta:     datatypes.JSON(meta),
		}
		return tx.CreateWalletOperation(ctx, op)
	})
	if err != nil {
		return nil, err
	}

	req := payments.InvoiceRequest{
		Payload:     payments.FormatPayload(payments.KindWallet, op.ID),
		Title:       "Пополнение баланса",
		Description: fmt.Sprintf("Пополнение баланса на %s USDT", amount.StringFixed(2)),
		AmountUSDT:  amount,
		Stars:       q.Stars,
	}
	if q.Currency == "RUB" {
		req.AmountRUB = q.Amount
	}
	inv, err := rail.CreateInvoice(ctx, req)
	if err != nil {
		w.failOperation(ctx, op.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrInvoiceFailed, err)
	}

	err = w.store.Transaction(ctx, func(tx db.Store) error {
		if err := tx.CreatePayment(ctx, &db.Payment{
			WalletOperationID: uintPtr(op.ID),
			Provider:          provider,
			ProviderPaymentID: inv.ProviderPaymentID,
			Amount:            q.Amount,
			Currency:          q.Currency,
			Status:            db.PaymentPending,
		}); err != nil {
			return err
		}
		cur, err := tx.LockWalletOperation(ctx, op.ID)
		if err != nil {
			return err
		}
		cur.PaymentURL = inv.URL
		op = cur
		return tx.SaveWalletOperation(ctx, cur)
	})
	if err != nil {
		w.failOperation(ctx, op.ID, err)
		return nil, err
	}
	logger.Info("deposit created",
		zap.Uint("operation", op.ID), zap.String("provider", provider), zap.String("amount", amount.String()))
	return &Deposit{Operation: op, PaymentURL: inv.URL, Amount: q.Amount, Currency: q.Currency}, nil
}

func (w *WalletService) failOperation(ctx context.Context, opID uint, cause error) {
	logger.Error("deposit invoice failed", zap.Uint("operation", opID), zap.Error(cause))
	err := w.store.Transaction(ctx, func(tx db.Store) error {
		op, err := tx.LockWalletOperation(ctx, opID)
		if err != nil {
			return err
		}
		if op.Status != db.WalletOpPending {
			return nil
		}
		op.Status = db.WalletOpFailed
		return tx.SaveWalletOperation(ctx, op)
	})
	if err != nil {
		logger.Error("mark deposit failed", zap.Uint("operation", opID), zap.Error(err))
	}
}

// Complete зачисляет операцию на баланс. false, если операция уже не pending
func (w *WalletService) Complete(ctx context.Context, tx db.Store, opID uint) (*db.WalletOperation, bool, error) {
	op, err := tx.LockWalletOperation(ctx, opID)
	if err != nil {
		return nil, false, notFound(err, ErrOperationNotFound)
	}
	if op.Status != db.WalletOpPending {
		return op, false, nil
	}
	if _, err := creditWallet(ctx, tx, op.UserID, op.Amount, db.TxDeposit, fmt.Sprintf("Пополнение #%d (%s)", op.ID, op.Provider)); err != nil {
		return nil, false, err
	}
	now := w.opts.Now()
	op.Status = db.WalletOpCompleted
	op.CompletedAt = &now
	if err := tx.SaveWalletOperation(ctx, op); err != nil {
		return nil, false, err
	}
	return op, true, nil
}

// Status: операция пользователя; чужая выглядит как несуществующая
func (w *WalletService) Status(ctx context.Context, opID, userID uint) (*db.WalletOperation, error) {
	op, err := w.store.GetWalletOperation(ctx, opID)
	if err != nil {
		return nil, notFound(err, ErrOperationNotFound)
	}
	if userID != 0 && op.UserID != userID {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

func (w *WalletService) Balance(ctx context.Context, userID uint) (decimal.Decimal, error) {
	wl, err := w.store.GetWallet(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return wl.Balance, nil
}

func (w *WalletService) History(ctx context.Context, userID uint, limit int) ([]db.WalletTransaction, error) {
	wl, err := w.store.GetWallet(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return w.store.ListWalletTransactions(ctx, wl.ID, limit)
}
