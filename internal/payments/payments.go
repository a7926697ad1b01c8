// Package payments содержит платёжные рельсы: Telegram Stars, CryptoPay и YooKassa.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Виды полезной нагрузки счёта
const (
	KindWallet = "wallet"
	KindBuy    = "buy"
	KindRenew  = "renew"
)

var (
	ErrBadPayload   = errors.New("malformed payment payload")
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrRateMissing  = errors.New("exchange rate not configured")
)

// InvoiceRequest — что продаём. AmountUSDT — каноническая цена, рельс сам
// переводит её в свою валюту
type InvoiceRequest struct {
	Payload     string
	Title       string
	Description string
	AmountUSDT  decimal.Decimal
	Stars       int
	AmountRUB   decimal.Decimal
}

// Invoice — счёт, выставленный провайдером
type Invoice struct {
	ProviderPaymentID string
	URL               string
	Amount            decimal.Decimal
	Currency          string
}

type Rail interface {
	Provider() string
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
}

// FormatPayload собирает "<kind>:<id>"
func FormatPayload(kind string, id uint) string {
	return kind + ":" + strconv.FormatUint(uint64(id), 10)
}

func ParsePayload(s string) (kind string, id uint, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadPayload, s)
	}
	switch parts[0] {
	case KindWallet, KindBuy, KindRenew:
	default:
		return "", 0, fmt.Errorf("%w: unknown kind %q", ErrBadPayload, parts[0])
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadPayload, s)
	}
	return parts[0], uint(n), nil
}

// StarsFor: XTR_USDT, сколько USDT стоит одна звезда; минимум одна звезда
func StarsFor(usdt, rate decimal.Decimal) (int, error) {
	if !rate.IsPositive() {
		return 0, ErrRateMissing
	}
	n := usdt.Div(rate).Floor().IntPart()
	if n < 1 {
		n = 1
	}
	return int(n), nil
}

// RUBFor: USDT_RUB, рублей за один USDT, округление до копеек
func RUBFor(usdt, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrRateMissing
	}
	return usdt.Mul(rate).Round(2), nil
}
