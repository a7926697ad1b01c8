package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/payments"
	"vpn-miniapp-backend/internal/services"
)

const maxWebhookBody = 1 << 20

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "BAD_BODY"})
		return nil, false
	}
	return body, true
}

// confirm передаёт подтверждение в сверку. Провайдеру всегда отвечаем 200:
// деньги уже списаны, отказ вызовет только повторные вебхуки
func (h *handler) confirm(c *gin.Context, conf services.Confirmation) {
	defer logger.NotifyOnPanic("webhook " + conf.Provider)

	outcome, err := h.Reconciler.Confirm(c.Request.Context(), conf)
	if err != nil {
		logger.Error("payment confirmation failed",
			zap.String("provider", conf.Provider),
			zap.String("provider_payment_id", conf.ProviderPaymentID),
			zap.Error(err))
		logger.NotifyAdmin("Не удалось провести оплату " + conf.Provider + " " + conf.ProviderPaymentID + ": " + err.Error())
		outcome = "error"
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": outcome})
}

func (h *handler) cryptoWebhook(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	sig := c.GetHeader("crypto-pay-api-signature")
	if !payments.CheckCryptoPaySignature(h.Config.CryptoPayToken, body, sig) {
		metrics.PaymentEvents.WithLabelValues(db.ProviderCrypto, "bad_signature").Inc()
		logger.Warn("cryptopay webhook: bad signature", zap.String("ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "INVALID_SIGNATURE"})
		return
	}
	ev, err := payments.ParseCryptoPayWebhook(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "BAD_BODY"})
		return
	}
	if ev.UpdateType != "invoice_paid" {
		logger.Info("cryptopay webhook skipped",
			zap.String("update_type", ev.UpdateType),
			zap.String("provider_payment_id", ev.InvoiceID))
		c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": services.OutcomeIgnored})
		return
	}
	h.confirm(c, services.Confirmation{
		Provider:          db.ProviderCrypto,
		ProviderPaymentID: ev.InvoiceID,
		Payload:           ev.Payload,
		Raw:               body,
	})
}

func (h *handler) yookassaWebhook(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if secret := h.Config.YooKassaWebhookSecret; secret != "" {
		if !payments.CheckYooKassaSignature(secret, body, c.GetHeader("Authorization"), c.GetHeader("Content-Yoomoney-Signature")) {
			metrics.PaymentEvents.WithLabelValues(db.ProviderYooKassa, "bad_signature").Inc()
			logger.Warn("yookassa webhook: bad signature", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "INVALID_SIGNATURE"})
			return
		}
	}
	ev, err := payments.ParseYooKassaWebhook(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "BAD_BODY"})
		return
	}
	if ev.Event != "payment.succeeded" {
		logger.Info("yookassa webhook skipped",
			zap.String("event", ev.Event),
			zap.String("provider_payment_id", ev.PaymentID))
		c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": services.OutcomeIgnored})
		return
	}
	h.confirm(c, services.Confirmation{
		Provider:          db.ProviderYooKassa,
		ProviderPaymentID: ev.PaymentID,
		Payload:           ev.Payload,
		Raw:               body,
	})
}
