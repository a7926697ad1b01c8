package services

import (
	"errors"
	"fmt"
	"time"

	"vpn-miniapp-backend/internal/db"
)

// Коды ошибок совпадают с полем error в ответах API
var (
	ErrUserNotFound         = errors.New("USER_NOT_FOUND")
	ErrServerNotFound       = errors.New("SERVER_NOT_FOUND")
	ErrServerUnavailable    = errors.New("SERVER_UNAVAILABLE")
	ErrTariffNotFound       = errors.New("TARIFF_NOT_FOUND")
	ErrSubscriptionNotFound = errors.New("SUBSCRIPTION_NOT_FOUND")
	ErrBundleNotFound       = errors.New("BUNDLE_NOT_FOUND")
	ErrOrderNotFound        = errors.New("ORDER_NOT_FOUND")
	ErrOperationNotFound    = errors.New("OPERATION_NOT_FOUND")

	ErrActiveOrderExists  = errors.New("ACTIVE_ORDER_EXISTS")
	ErrOrderCantCancel    = errors.New("ORDER_CANT_CANCEL")
	ErrOrderNotRefundable = errors.New("ORDER_NOT_REFUNDABLE")
	ErrNotEnoughBalance   = errors.New("NOT_ENOUGH_BALANCE")
	ErrNotEnoughDays      = errors.New("NOT_ENOUGH_DAYS")

	ErrBadRequest       = errors.New("BAD_REQUEST")
	ErrInvalidAmount    = errors.New("INVALID_AMOUNT")
	ErrAmountTooSmall   = errors.New("AMOUNT_TOO_SMALL")
	ErrUnknownProvider  = errors.New("UNKNOWN_PROVIDER")
	ErrRateNotSet       = errors.New("EXCHANGE_RATE_NOT_SET")
	ErrInvoiceFailed    = errors.New("INVOICE_FAILED")
	ErrProvisionFailed  = errors.New("PROVISION_FAILED")
	ErrAlreadyCheckedIn = errors.New("ALREADY_CHECKED_IN")
	ErrTaskNotFound     = errors.New("TASK_NOT_FOUND")
	ErrTaskCompleted    = errors.New("TASK_ALREADY_COMPLETED")
	ErrTaskNotEligible  = errors.New("TASK_NOT_COMPLETED")
	ErrPromoNotFound    = errors.New("PROMO_NOT_FOUND")
	ErrPromoUsed        = errors.New("PROMO_ALREADY_USED")
	ErrPromoExhausted   = errors.New("PROMO_EXHAUSTED")
)

// ActiveOrderError несёт заказ, который мешает создать новый, чтобы клиент
// мог продолжить оплату или отменить его
type ActiveOrderError struct {
	OrderID   uint
	Status    string
	ExpiresAt *time.Time
}

func (e *ActiveOrderError) Error() string {
	return fmt.Sprintf("%s: order %d is %s", ErrActiveOrderExists, e.OrderID, e.Status)
}

func (e *ActiveOrderError) Is(target error) bool {
	return target == ErrActiveOrderExists
}

func activeOrderError(o *db.Order) *ActiveOrderError {
	return &ActiveOrderError{OrderID: o.ID, Status: o.Status, ExpiresAt: o.ExpiresAt}
}

// notFound переводит db.ErrNotFound в доменную ошибку
func notFound(err, domain error) error {
	if errors.Is(err, db.ErrNotFound) {
		return domain
	}
	return err
}
