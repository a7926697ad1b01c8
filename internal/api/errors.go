package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/services"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{services.ErrUserNotFound, http.StatusNotFound},
	{services.ErrServerNotFound, http.StatusNotFound},
	{services.ErrTariffNotFound, http.StatusNotFound},
	{services.ErrSubscriptionNotFound, http.StatusNotFound},
	{services.ErrBundleNotFound, http.StatusNotFound},
	{services.ErrOrderNotFound, http.StatusNotFound},
	{services.ErrOperationNotFound, http.StatusNotFound},
	{services.ErrTaskNotFound, http.StatusNotFound},
	{services.ErrPromoNotFound, http.StatusNotFound},

	{services.ErrActiveOrderExists, http.StatusConflict},
	{services.ErrOrderCantCancel, http.StatusConflict},
	{services.ErrOrderNotRefundable, http.StatusConflict},
	{services.ErrAlreadyCheckedIn, http.StatusConflict},
	{services.ErrTaskCompleted, http.StatusConflict},
	{services.ErrPromoUsed, http.StatusConflict},
	{services.ErrPromoExhausted, http.StatusConflict},

	{services.ErrNotEnoughBalance, http.StatusBadRequest},
	{services.ErrNotEnoughDays, http.StatusBadRequest},
	{services.ErrBadRequest, http.StatusBadRequest},
	{services.ErrInvalidAmount, http.StatusBadRequest},
	{services.ErrAmountTooSmall, http.StatusBadRequest},
	{services.ErrUnknownProvider, http.StatusBadRequest},
	{services.ErrServerUnavailable, http.StatusBadRequest},
	{services.ErrTaskNotEligible, http.StatusBadRequest},

	{services.ErrRateNotSet, http.StatusServiceUnavailable},
	{services.ErrInvoiceFailed, http.StatusBadGateway},
	{services.ErrProvisionFailed, http.StatusBadGateway},
}

// errorCode: код ошибки для поля error и HTTP статус
func errorCode(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.err.Error()
		}
	}
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, db.ErrDuplicate):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, admin.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, admin.ErrEmptyPatch):
		return http.StatusBadRequest, "EMPTY_PATCH"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// respondError пишет {"error": CODE}. Для конфликта активного заказа
// добавляет сам заказ, чтобы клиент мог продолжить оплату
func respondError(c *gin.Context, err error) {
	status, code := errorCode(err)
	body := gin.H{"error": code}

	var active *services.ActiveOrderError
	if errors.As(err, &active) {
		body["order_id"] = active.OrderID
		body["status"] = active.Status
		if active.ExpiresAt != nil {
			body["expires_at"] = active.ExpiresAt
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": services.ErrBadRequest.Error(), "detail": detail})
}
