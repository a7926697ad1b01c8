package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/services"
)

// resource: обработчики CRUD одного справочника
type resource[P any, T any] struct {
	list   func(ctx context.Context) ([]T, error)
	create func(ctx context.Context, p P) (*T, error)
	update func(ctx context.Context, id uint, p P) (*T, error)
	remove func(ctx context.Context, id uint) error
}

func (res resource[P, T]) mount(g *gin.RouterGroup, path string) {
	g.GET(path, func(c *gin.Context) {
		items, err := res.list(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	})
	g.POST(path, func(c *gin.Context) {
		var p P
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := res.create(c.Request.Context(), p)
		if err != nil {
			respondError(c, err)
			return
		}
		logger.LogAdminAction(adminID(c), "create "+path, "")
		c.JSON(http.StatusCreated, item)
	})
	g.PATCH(path+"/:id", func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var p P
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := res.update(c.Request.Context(), id, p)
		if err != nil {
			respondError(c, err)
			return
		}
		logger.LogAdminAction(adminID(c), "update "+path, strconv.FormatUint(uint64(id), 10))
		c.JSON(http.StatusOK, item)
	})
	g.DELETE(path+"/:id", func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		if err := res.remove(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		logger.LogAdminAction(adminID(c), "delete "+path, strconv.FormatUint(uint64(id), 10))
		c.Status(http.StatusNoContent)
	})
}

func (h *handler) registerAdmin(g *gin.RouterGroup) {
	if cat := h.Catalog; cat != nil {
		resource[admin.CountryPatch, db.Country]{cat.Countries, cat.CreateCountry, cat.UpdateCountry, cat.DeleteCountry}.
			mount(g, "/countries")
		resource[admin.ServerTypePatch, db.ServerType]{cat.ServerTypes, cat.CreateServerType, cat.UpdateServerType, cat.DeleteServerType}.
			mount(g, "/types")
		resource[admin.ServerPatch, db.Server]{cat.Servers, cat.CreateServer, cat.UpdateServer, cat.DeleteServer}.
			mount(g, "/servers")
		resource[admin.TariffPatch, db.Tariff]{
			func(ctx context.Context) ([]db.Tariff, error) { return cat.Tariffs(ctx, 0) },
			cat.CreateTariff, cat.UpdateTariff, cat.DeleteTariff,
		}.mount(g, "/tariffs")
		resource[admin.BundlePlanPatch, db.BundlePlan]{cat.BundlePlans, cat.CreateBundlePlan, cat.UpdateBundlePlan, cat.DeleteBundlePlan}.
			mount(g, "/bundles")
		resource[admin.BundleTariffPatch, db.BundleTariff]{
			func(ctx context.Context) ([]db.BundleTariff, error) { return cat.BundleTariffs(ctx, 0) },
			cat.CreateBundleTariff, cat.UpdateBundleTariff, cat.DeleteBundleTariff,
		}.mount(g, "/bundle-tariffs")
		resource[admin.PromoPatch, db.PromoCode]{
			cat.Promos,
			func(ctx context.Context, p admin.PromoPatch) (*db.PromoCode, error) {
				return cat.CreatePromo(ctx, p, services.NormalizePromo)
			},
			cat.UpdatePromo, cat.DeletePromo,
		}.mount(g, "/promos")

		g.GET("/exchange-rates", func(c *gin.Context) {
			rates, err := cat.Rates(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rates)
		})
		g.PUT("/exchange-rates/:pair", h.setRate)
	}

	g.GET("/servers/status", h.serversStatus)
	g.GET("/referral", h.referralConfig)
	g.POST("/referral", h.setReferral)
	g.POST("/orders/:id/refund", h.refundOrder)
	g.GET("/stats", h.stats)
}

type rateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

func (h *handler) setRate(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	r, err := h.Catalog.SetRate(c.Request.Context(), c.Param("pair"), req.Rate)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.LogAdminAction(adminID(c), "set_rate", r.Pair+"="+r.Rate.String())
	c.JSON(http.StatusOK, r)
}

func (h *handler) serversStatus(c *gin.Context) {
	statuses, err := h.Health.CheckAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *handler) referralConfig(c *gin.Context) {
	cfg, err := h.Store.GetActiveReferralConfig(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type referralRequest struct {
	Percent decimal.Decimal `json:"percent"`
}

func (h *handler) setReferral(c *gin.Context) {
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := h.Referral.ActivateConfig(c.Request.Context(), req.Percent)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.LogAdminAction(adminID(c), "referral_percent", cfg.Percent.String())
	c.JSON(http.StatusOK, cfg)
}

func (h *handler) refundOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Orders.RefundOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.LogAdminAction(adminID(c), "refund", strconv.FormatUint(uint64(id), 10))
	c.JSON(http.StatusOK, newOrderView(o))
}

// stats: GET /admin/stats?days=30
func (h *handler) stats(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "STATS_UNAVAILABLE"})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		badRequest(c, "days must be a positive integer")
		return
	}
	to := time.Now().UTC()
	st, err := db.CollectStats(h.DB.WithContext(c.Request.Context()), to.AddDate(0, 0, -days), to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users":                st.Users,
		"active_subscriptions": st.ActiveSubscriptions,
		"pending_orders":       st.PendingOrders,
		"failed_orders":        st.FailedOrders,
		"revenue":              st.Revenue,
		"days":                 days,
	})
}
