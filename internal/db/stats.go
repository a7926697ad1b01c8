package db

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// --- Админские методы для статистики, платежей, пользователей ---

type Stats struct {
	Users               int64
	ActiveSubscriptions int64
	PendingOrders       int64
	FailedOrders        int64
	Revenue             map[string]decimal.Decimal // валюта -> сумма оплаченных платежей
}

func CollectStats(gdb *gorm.DB, from, to time.Time) (*Stats, error) {
	st := &Stats{Revenue: map[string]decimal.Decimal{}}
	if err := gdb.Model(&User{}).Count(&st.Users).Error; err != nil {
		return nil, err
	}
	if err := gdb.Model(&VPNSubscription{}).Where("is_active = ? AND expires_at > ?", true, time.Now().UTC()).
		Count(&st.ActiveSubscriptions).Error; err != nil {
		return nil, err
	}
	if err := gdb.Model(&Order{}).Where("status = ?", OrderPending).Count(&st.PendingOrders).Error; err != nil {
		return nil, err
	}
	if err := gdb.Model(&Order{}).Where("status = ?", OrderFailed).Count(&st.FailedOrders).Error; err != nil {
		return nil, err
	}
	var rows []struct {
		Currency string
		Total    decimal.Decimal
	}
	err := gdb.Model(&Payment{}).
		Select("currency, COALESCE(SUM(amount), 0) AS total").
		Where("status = ? AND paid_at >= ? AND paid_at <= ?", PaymentPaid, from, to).
		Group("currency").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		st.Revenue[r.Currency] = r.Total
	}
	return st, nil
}

func GetPayments(gdb *gorm.DB, from, to time.Time, limit int) ([]Payment, error) {
	var pays []Payment
	err := gdb.Where("created_at >= ? AND created_at <= ?", from, to).Order("id desc").Limit(limit).Find(&pays).Error
	return pays, err
}

// ListFailedOrders: failed заказы и зависшие в paid/processing дольше stuckBefore
// (процесс упал между оплатой и выдачей доступа)
func ListFailedOrders(gdb *gorm.DB, stuckBefore time.Time, limit int) ([]Order, error) {
	var orders []Order
	err := gdb.Where("status = ? OR (status IN ? AND updated_at < ?)",
		OrderFailed, []string{OrderPaid, OrderProcessing}, stuckBefore).
		Order("id desc").Limit(limit).Find(&orders).Error
	return orders, err
}

// FindUser ищет по telegram id, затем по внутреннему id
func FindUser(gdb *gorm.DB, id int64) (*User, error) {
	var user User
	if err := gdb.Where("telegram_id = ? OR id = ?", id, id).First(&user).Error; err != nil {
		return nil, wrap(err)
	}
	return &user, nil
}
