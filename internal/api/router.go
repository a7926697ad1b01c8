// Package api описывает HTTP API мини-приложения и вебхуки платёжных провайдеров
// и административные маршруты.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"vpn-miniapp-backend/config"
	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/services"
)

type Deps struct {
	Config *config.AppConfig
	Store  db.Store
	// DB нужен только для админской статистики; nil её отключает
	DB      *gorm.DB
	Catalog *admin.Catalog
	Limiter cache.Limiter

	Users      *services.UserService
	Orders     *services.OrderService
	Reconciler *services.Reconciler
	Wallet     *services.WalletService
	Ledger     *services.Ledger
	Referral   *services.ReferralService
	FreeDays   *services.FreeDaysService
	Rewards    *services.RewardService
	Promo      *services.PromoService
	Health     *services.HealthService

	// BotWebhook принимает апдейты Telegram на /webhook
	BotWebhook gin.HandlerFunc
}

const (
	invoiceLimit  = 10
	invoiceWindow = time.Minute
)

func NewRouter(d Deps) *gin.Engine {
	if d.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Limiter == nil {
		d.Limiter = cache.NewLocalLimiter()
	}

	r := gin.New()
	r.Use(Recovery(), RequestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Telegram-Init-Data"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	h := &handler{Deps: d}
	limited := RateLimit(d.Limiter, invoiceLimit, invoiceWindow)

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/user/register", h.register)

	vpn := r.Group("/vpn")
	{
		vpn.GET("/servers", h.servers)
		vpn.GET("/tariffs/:server_id", h.tariffs)
		vpn.GET("/my/:tg_id", h.mySubscriptions)

		vpn.POST("/create_invoice", limited, h.buyInvoice(db.ProviderStars))
		vpn.POST("/crypto-invoice", limited, h.buyInvoice(db.ProviderCrypto))
		vpn.POST("/yookassa-invoice", limited, h.buyInvoice(db.ProviderYooKassa))
		vpn.POST("/renew-invoice", limited, h.renewInvoice(db.ProviderStars))
		vpn.POST("/renew-crypto-invoice", limited, h.renewInvoice(db.ProviderCrypto))
		vpn.POST("/renew-yookassa-invoice", limited, h.renewInvoice(db.ProviderYooKassa))
		vpn.POST("/buy-from-balance", limited, h.buyFromBalance)
		vpn.POST("/renew-from-balance", limited, h.renewFromBalance)
	}

	bundle := r.Group("/bundle")
	{
		bundle.POST("/invoice", limited, h.bundleInvoice)
		bundle.POST("/buy-from-balance", limited, h.bundleFromBalance)
	}

	order := r.Group("/order")
	{
		order.GET("/active/:tg_id", h.activeOrder)
		order.POST("/cancel/:id", h.cancelOrder)
		order.GET("/status/:id", h.orderStatus)
	}

	wallet := r.Group("/wallet")
	{
		wallet.POST("/deposit/:provider", limited, h.deposit)
		wallet.GET("/status/:op_id", h.depositStatus)
		wallet.GET("/:tg_id", h.walletInfo)
	}

	rewards := r.Group("/rewards")
	{
		rewards.GET("/:tg_id", h.rewardsInfo)
		rewards.POST("/checkin", h.checkin)
		rewards.POST("/tasks/:key", h.completeTask)
		rewards.POST("/activate", limited, h.activateDays)
	}
	r.POST("/promo/apply", limited, h.applyPromo)

	r.POST("/crypto/webhook", h.cryptoWebhook)
	r.POST("/yookassa/webhook", h.yookassaWebhook)
	if d.BotWebhook != nil {
		r.POST("/webhook", d.BotWebhook)
	}

	adm := r.Group("/admin", AdminAuth(d.Config.JWTSecret))
	h.registerAdmin(adm)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
	})
	return r
}

type handler struct {
	Deps
}
