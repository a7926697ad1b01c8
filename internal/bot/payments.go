package bot

import (
	"context"
	"encoding/json"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/services"
)

// handlePreCheckout отвечает Telegram в течение 10 секунд: принимаем оплату,
// только если заказ или пополнение ещё ждут её
func (b *Bot) handlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	ok := b.Payments.CanAccept(ctx, q.InvoicePayload)
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: ok}
	if !ok {
		answer.ErrorMessage = "Счёт устарел или уже оплачен. Создайте новый в приложении."
		metrics.PaymentEvents.WithLabelValues(db.ProviderStars, "precheckout_rejected").Inc()
		logger.Info("pre_checkout rejected",
			zap.Int64("tg_id", q.From.ID),
			zap.String("payload", q.InvoicePayload))
	}
	if _, err := b.API.Request(answer); err != nil {
		logger.Error("answer pre_checkout failed", zap.String("query_id", q.ID), zap.Error(err))
	}
}

// handleSuccessfulPayment проводит оплату звёздами. Идентификатор платежа у Stars равен payload
func (b *Bot) handleSuccessfulPayment(ctx context.Context, m *tgbotapi.Message) {
	sp := m.SuccessfulPayment
	raw, _ := json.Marshal(sp)
	outcome, err := b.Payments.Confirm(ctx, services.Confirmation{
		Provider:          db.ProviderStars,
		ProviderPaymentID: sp.InvoicePayload,
		Payload:           sp.InvoicePayload,
		ChargeID:          sp.TelegramPaymentChargeID,
		Raw:               raw,
	})
	if err != nil {
		logger.Error("stars payment confirmation failed",
			zap.String("payload", sp.InvoicePayload),
			zap.String("charge_id", sp.TelegramPaymentChargeID),
			zap.Error(err))
		logger.NotifyAdmin("Не удалось провести оплату Stars " + sp.InvoicePayload + " (charge " + sp.TelegramPaymentChargeID + "): " + err.Error())
		b.reply(m.Chat.ID, "Оплата получена, но возникла ошибка при выдаче доступа. Администратор уже уведомлён.", nil)
		return
	}
	logger.Info("stars payment handled",
		zap.String("payload", sp.InvoicePayload),
		zap.String("outcome", outcome))
}
