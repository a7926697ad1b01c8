package payments

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
)

// Requester: часть *tgbotapi.BotAPI, которой достаточно для счетов
type Requester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// StarsRail выставляет счёт в звёздах через createInvoiceLink.
// Идентификатор платежа у Stars: сама полезная нагрузка счёта
type StarsRail struct {
	bot Requester
}

func NewStarsRail(bot Requester) *StarsRail {
	return &StarsRail{bot: bot}
}

func (r *StarsRail) Provider() string { return db.ProviderStars }

type labeledPrice struct {
	Label  string `json:"label"`
	Amount int    `json:"amount"`
}

func (r *StarsRail) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.Stars < 1 {
		return nil, fmt.Errorf("stars invoice: amount must be positive, got %d", req.Stars)
	}
	prices, _ := json.Marshal([]labeledPrice{{Label: req.Title, Amount: req.Stars}})
	params := tgbotapi.Params{
		"title":          req.Title,
		"description":    req.Description,
		"payload":        req.Payload,
		"provider_token": "",
		"currency":       "XTR",
		"prices":         string(prices),
	}
	resp, err := r.bot.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return nil, fmt.Errorf("stars invoice: %w", err)
	}
	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return nil, fmt.Errorf("stars invoice: decode link: %w", err)
	}
	return &Invoice{
		ProviderPaymentID: req.Payload,
		URL:               link,
		Amount:            decimal.NewFromInt(int64(req.Stars)),
		Currency:          "XTR",
	}, nil
}
