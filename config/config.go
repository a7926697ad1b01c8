package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Env      string
	HTTPAddr string

	BotToken              string
	AdminTelegramID       int64
	TelegramWebhookSecret string
	TelegramWebhookURL    string
	WebAppURL             string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	CryptoPayToken  string
	CryptoPayAPIURL string

	YooKassaShopID        string
	YooKassaSecret        string
	YooKassaWebhookSecret string
	YooKassaReturnURL     string

	Brand              string
	OrderTTL           time.Duration
	PendingSweep       string
	SubscriptionSweep  string
	ExpiryNotifyDays   int
	PanelTimeout       time.Duration
	PanelAllowRecreate bool
	RefundOnFailure    bool

	CheckinMax        int
	CheckinRewardDays int

	BackupDir  string
	BackupCron string
}

// LoadConfig читает .env (если есть) и переменные окружения
func LoadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv собирает конфиг только из окружения, без .env
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		Env:      getEnv("APP_ENV", "production"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		BotToken:              os.Getenv("BOT_TOKEN"),
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		TelegramWebhookURL:    os.Getenv("TELEGRAM_WEBHOOK_URL"),
		WebAppURL:             os.Getenv("WEBAPP_URL"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		CryptoPayToken:  os.Getenv("CRYPTOPAY_TOKEN"),
		CryptoPayAPIURL: getEnv("CRYPTOPAY_API_URL", "https://pay.crypt.bot/api"),

		YooKassaShopID:        os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecret:        os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaWebhookSecret: os.Getenv("YOOKASSA_WEBHOOK_SECRET"),
		YooKassaReturnURL:     os.Getenv("YOOKASSA_RETURN_URL"),

		Brand:             getEnv("BRAND", "vpn"),
		PendingSweep:      getEnv("PENDING_SWEEP", "@every 30s"),
		SubscriptionSweep: getEnv("SUBSCRIPTION_SWEEP", "@every 1m"),

		BackupDir:  os.Getenv("BACKUP_DIR"),
		BackupCron: getEnv("BACKUP_CRON", "0 3 * * *"),
	}

	var errs []string
	var err error
	if cfg.AdminTelegramID, err = getEnvInt64("ADMIN_TELEGRAM_ID", 0); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.OrderTTL, err = getEnvDuration("ORDER_TTL", 10*time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PanelTimeout, err = getEnvDuration("PANEL_TIMEOUT", 15*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ExpiryNotifyDays, err = getEnvInt("EXPIRY_NOTIFY_DAYS", 3); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.CheckinMax, err = getEnvInt("CHECKIN_MAX", 7); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.CheckinRewardDays, err = getEnvInt("CHECKIN_REWARD_DAYS", 1); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PanelAllowRecreate, err = getEnvBool("PANEL_ALLOW_RECREATE", false); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RefundOnFailure, err = getEnvBool("REFUND_ON_FAILURE", true); err != nil {
		errs = append(errs, err.Error())
	}

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		errs = append(errs, "missing required variables: "+strings.Join(missing, ", "))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
