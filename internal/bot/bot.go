package bot

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/services"
)

// API: часть *tgbotapi.BotAPI, которой пользуется бот
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Users interface {
	Register(ctx context.Context, tgID int64, username string, referrerTG int64) (*db.User, bool, error)
	ByTelegramID(ctx context.Context, tgID int64) (*db.User, error)
}

type Payments interface {
	CanAccept(ctx context.Context, payload string) bool
	Confirm(ctx context.Context, c services.Confirmation) (string, error)
}

type Subscriptions interface {
	GetUserSubscriptions(ctx context.Context, userID uint) ([]services.SubscriptionView, error)
}

type Deps struct {
	API           API
	Users         Users
	Payments      Payments
	Subscriptions Subscriptions
	Commands      *admin.Commands // nil отключает админ-команды
	Limiter       *RateLimiter
	WebAppURL     string
	WebhookSecret string
}

type Bot struct {
	Deps
}

func New(d Deps) *Bot {
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter()
	}
	return &Bot{Deps: d}
}

// Poll читает апдейты long polling'ом до отмены ctx (режим без вебхука)
func (b *Bot) Poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

// WebhookHandler принимает апдейты Telegram. Секрет сверяется с заголовком
// X-Telegram-Bot-Api-Secret-Token, заданным при setWebhook
func (b *Bot) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if b.WebhookSecret != "" {
			got := c.GetHeader("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(b.WebhookSecret)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
				return
			}
		}
		var upd tgbotapi.Update
		if err := c.ShouldBindJSON(&upd); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "BAD_BODY"})
			return
		}
		b.HandleUpdate(c.Request.Context(), upd)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Notifier доставляет уведомления сервисов от имени бота. Ошибки доставки
// (пользователь заблокировал бота) только логируются
type Notifier struct {
	API API
}

func (n Notifier) NotifyUser(ctx context.Context, tgID int64, text string) {
	if _, err := n.API.Send(tgbotapi.NewMessage(tgID, text)); err != nil {
		logger.Warn("notify user failed", zap.Int64("tg_id", tgID), zap.Error(err))
	}
}

func (b *Bot) NotifyUser(ctx context.Context, tgID int64, text string) {
	Notifier{API: b.API}.NotifyUser(ctx, tgID, text)
}

func (b *Bot) reply(chatID int64, text string, markup interface{}) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.API.Send(msg); err != nil {
		logger.Warn("send message failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

type Requester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// SetWebhook регистрирует вебхук с secret_token: в WebhookConfig библиотеки этого поля нет
func SetWebhook(r Requester, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	params["allowed_updates"] = `["message","pre_checkout_query"]`
	resp, err := r.MakeRequest("setWebhook", params)
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook: %s", resp.Description)
	}
	return nil
}
