package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitDB открывает пул соединений с Postgres и прогоняет миграции
func InitDB(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate создаёт таблицы и индексы, которые AutoMigrate сам не умеет
func Migrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&User{}, &Wallet{}, &WalletTransaction{}, &WalletOperation{},
		&Country{}, &ServerType{}, &Server{}, &Tariff{},
		&BundlePlan{}, &BundleServer{}, &BundleTariff{},
		&Order{}, &Payment{},
		&VPNSubscription{}, &BundleSubscription{}, &BundleSubscriptionItem{},
		&ReferralConfig{}, &ReferralEarning{},
		&UserFreeDaysBalance{}, &UserCheckin{}, &UserRewardOp{}, &UserReward{}, &UserTask{},
		&PromoCode{}, &PromoCodeUsage{},
		&ExchangeRate{},
	)
	if err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	// не больше одного активного заказа на пользователя
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_user_active ON orders (user_id) WHERE status IN ('pending', 'processing')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_referral_config_active ON referral_configs (is_active) WHERE is_active`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("migrate index: %w", err)
		}
	}
	return nil
}
