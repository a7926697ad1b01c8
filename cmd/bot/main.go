package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-miniapp-backend/config"
	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/api"
	"vpn-miniapp-backend/internal/bot"
	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/panel"
	"vpn-miniapp-backend/internal/payments"
	"vpn-miniapp-backend/internal/scheduler"
	"vpn-miniapp-backend/internal/services"
)

const (
	invoiceTimeout  = 15 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logger.Init(cfg.Env); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.L().Fatal("database init failed", zap.Error(err))
	}
	store := db.NewStore(gdb)

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.L().Fatal("failed to create bot", zap.Error(err))
	}
	logger.Info("authorized on telegram", zap.String("bot", botapi.Self.UserName))
	logger.InitNotifier(botapi, cfg.AdminTelegramID)

	var (
		limiter cache.Limiter = cache.NewLocalLimiter()
		locker  cache.Locker  = cache.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		rs, err := cache.NewRedisService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable, using in-process limiter and locks", zap.Error(err))
		} else {
			defer rs.Close()
			limiter, locker = rs, rs
		}
	}

	pool := panel.NewPool(
		panel.WithTimeout(cfg.PanelTimeout),
		panel.WithRecreateFallback(cfg.PanelAllowRecreate),
	)
	panels := services.PoolProvider(pool)

	rails := []payments.Rail{payments.NewStarsRail(botapi)}
	if cfg.CryptoPayToken != "" {
		rails = append(rails, payments.NewCryptoPayRail(cfg.CryptoPayToken, cfg.CryptoPayAPIURL, invoiceTimeout))
	}
	if cfg.YooKassaShopID != "" && cfg.YooKassaSecret != "" {
		rails = append(rails, payments.NewYooKassaRail(cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.YooKassaReturnURL, invoiceTimeout))
	}

	opts := services.Options{
		OrderTTL:          cfg.OrderTTL,
		Brand:             cfg.Brand,
		RefundOnFailure:   cfg.RefundOnFailure,
		CheckinMax:        cfg.CheckinMax,
		CheckinRewardDays: cfg.CheckinRewardDays,
	}
	notifier := bot.Notifier{API: botapi}
	prov := services.NewProvisioner(panels, locker, opts)
	ledger := services.NewLedger(store, prov, notifier, opts)
	referral := services.NewReferralService(store)
	orders := services.NewOrderService(store, prov, ledger, referral, notifier, rails, opts)
	wallet := services.NewWalletService(store, rails, opts)
	reconciler := services.NewReconciler(store, orders, wallet, notifier, opts)
	users := services.NewUserService(store)
	health := services.NewHealthService(store, panels, cfg.PanelTimeout, opts)

	commands := &admin.Commands{
		AdminID:   cfg.AdminTelegramID,
		JWTSecret: cfg.JWTSecret,
		Store:     store,
		DB:        gdb,
		Orders:    orders,
		Health:    health,
	}
	jobs := scheduler.Jobs{Orders: orders, Subscriptions: ledger, Health: health}
	if cfg.BackupDir != "" {
		backups := admin.NewBackuper(cfg.DatabaseURL, cfg.BackupDir)
		commands.Backups = backups
		jobs.Backups = backups
	}

	tgBot := bot.New(bot.Deps{
		API:           botapi,
		Users:         users,
		Payments:      reconciler,
		Subscriptions: ledger,
		Commands:      commands,
		WebAppURL:     cfg.WebAppURL,
		WebhookSecret: cfg.TelegramWebhookSecret,
	})
	jobs.BotLimiter = tgBot.Limiter

	deps := api.Deps{
		Config:     cfg,
		Store:      store,
		DB:         gdb,
		Catalog:    admin.NewCatalog(gdb),
		Limiter:    limiter,
		Users:      users,
		Orders:     orders,
		Reconciler: reconciler,
		Wallet:     wallet,
		Ledger:     ledger,
		Referral:   referral,
		FreeDays:   services.NewFreeDaysService(store, prov, ledger, notifier, opts),
		Rewards:    services.NewRewardService(store, opts),
		Promo:      services.NewPromoService(store, opts),
		Health:     health,
	}
	if cfg.TelegramWebhookURL != "" {
		deps.BotWebhook = tgBot.WebhookHandler()
	}
	router := api.NewRouter(deps)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PendingSweep = cfg.PendingSweep
	schedCfg.SubscriptionSweep = cfg.SubscriptionSweep
	schedCfg.NotifyDays = cfg.ExpiryNotifyDays
	schedCfg.Backup = cfg.BackupCron
	sched, err := scheduler.New(schedCfg, jobs)
	if err != nil {
		logger.L().Fatal("scheduler init failed", zap.Error(err))
	}
	sched.Start()

	// первый опрос панелей, чтобы /health не был пустым до срабатывания cron
	go func() {
		if _, err := health.CheckAll(ctx); err != nil {
			logger.Warn("initial health check failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	polling := cfg.TelegramWebhookURL == ""
	if polling {
		if _, err := botapi.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logger.Warn("delete webhook failed", zap.Error(err))
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		go tgBot.Poll(ctx, botapi.GetUpdatesChan(u))
		logger.Info("telegram long polling started")
	} else {
		if err := bot.SetWebhook(botapi, cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret); err != nil {
			logger.L().Fatal("set telegram webhook failed", zap.Error(err))
		}
		logger.Info("telegram webhook set", zap.String("url", cfg.TelegramWebhookURL))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if polling {
		botapi.StopReceivingUpdates()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	sched.Stop(shutdownCtx)
}
