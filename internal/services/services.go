// Package services отвечает за заказы, платежи, выдачу доступа и награды.
package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/panel"
)

// Notifier отправляет сообщение пользователю в Telegram. Ошибки доставки
// не должны влиять на состояние заказа
type Notifier interface {
	NotifyUser(ctx context.Context, telegramID int64, text string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, int64, string) {}

// PanelAPI: операции панели, которые нужны для выдачи доступа
type PanelAPI interface {
	FindInboundByPort(ctx context.Context, port int) (*panel.Inbound, error)
	ListClients(ctx context.Context, inboundID int) ([]panel.InboundClient, error)
	AddClient(ctx context.Context, in *panel.Inbound, email string, days int, subID string) (*panel.InboundClient, error)
	ExtendClient(ctx context.Context, inboundID int, email string, days int) (*panel.InboundClient, error)
	RemoveClient(ctx context.Context, inboundID int, email string) error
	Ping(ctx context.Context) error
}

// PanelProvider выдаёт клиента панели конкретного сервера
type PanelProvider func(srv *db.Server) PanelAPI

// PoolProvider: PanelProvider поверх panel.Pool
func PoolProvider(p *panel.Pool) PanelProvider {
	return func(srv *db.Server) PanelAPI {
		return p.For(srv.ID, srv.PanelURL, srv.PanelUser, srv.PanelPassword)
	}
}

type Options struct {
	OrderTTL          time.Duration
	Brand             string
	RefundOnFailure   bool
	CheckinMax        int
	CheckinRewardDays int
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.OrderTTL <= 0 {
		o.OrderTTL = 10 * time.Minute
	}
	if o.Brand == "" {
		o.Brand = "vpn"
	}
	if o.CheckinMax <= 0 {
		o.CheckinMax = 7
	}
	if o.CheckinRewardDays <= 0 {
		o.CheckinRewardDays = 1
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

var hundred = decimal.NewFromInt(100)

// creditWallet: единственный путь пополнения кошелька: баланс и запись в журнале
// пишутся в одной транзакции
func creditWallet(ctx context.Context, tx db.Store, userID uint, amount decimal.Decimal, txType, desc string) (*db.Wallet, error) {
	w, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	w.Balance = w.Balance.Add(amount)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	if err := tx.AddWalletTransaction(ctx, &db.WalletTransaction{
		WalletID:    w.ID,
		Amount:      amount,
		Type:        txType,
		Description: desc,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// debitWallet проверяет остаток под блокировкой строки до любых записей
func debitWallet(ctx context.Context, tx db.Store, userID uint, amount decimal.Decimal, txType, desc string) (*db.Wallet, error) {
	w, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrNotEnoughBalance
	}
	w.Balance = w.Balance.Sub(amount)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	if err := tx.AddWalletTransaction(ctx, &db.WalletTransaction{
		WalletID:    w.ID,
		Amount:      amount.Neg(),
		Type:        txType,
		Description: desc,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

func uintPtr(v uint) *uint { return &v }

func timePtr(t time.Time) *time.Time { return &t }
