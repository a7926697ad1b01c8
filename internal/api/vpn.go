package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/services"
)

// userByParam находит пользователя по :tg_id
func (h *handler) userByParam(c *gin.Context) (*db.User, bool) {
	tgID, err := strconv.ParseInt(c.Param("tg_id"), 10, 64)
	if err != nil || tgID <= 0 {
		badRequest(c, "tg_id must be a positive integer")
		return nil, false
	}
	return h.userByTelegramID(c, tgID)
}

func (h *handler) userByTelegramID(c *gin.Context, tgID int64) (*db.User, bool) {
	u, err := h.Users.ByTelegramID(c.Request.Context(), tgID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return u, true
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

type registerRequest struct {
	TgID         int64  `json:"tg_id" binding:"required"`
	Username     string `json:"username"`
	ReferrerTgID int64  `json:"referrer_tg_id"`
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, created, err := h.Users.Register(c.Request.Context(), req.TgID, req.Username, req.ReferrerTgID)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"user_id":     u.ID,
		"tg_id":       u.TelegramID,
		"created":     created,
		"has_referer": u.ReferrerID != nil,
	})
}

func (h *handler) servers(c *gin.Context) {
	list, err := h.Store.ListServers(c.Request.Context(), true)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]serverView, 0, len(list))
	for i := range list {
		out = append(out, newServerView(&list[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) tariffs(c *gin.Context) {
	serverID, ok := idParam(c, "server_id")
	if !ok {
		return
	}
	if _, err := h.Store.GetServer(c.Request.Context(), serverID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			err = services.ErrServerNotFound
		}
		respondError(c, err)
		return
	}
	list, err := h.Store.ListTariffs(c.Request.Context(), serverID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]tariffView, 0, len(list))
	for _, t := range list {
		out = append(out, tariffView{ID: t.ID, ServerID: t.ServerID, Days: t.Days, Price: t.Price, IsActive: t.IsActive})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) mySubscriptions(c *gin.Context) {
	u, ok := h.userByParam(c)
	if !ok {
		return
	}
	subs, err := h.Ledger.GetUserSubscriptions(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

type purchaseRequest struct {
	TgID           int64  `json:"tg_id" binding:"required"`
	TariffID       uint   `json:"tariff_id"`
	SubscriptionID uint   `json:"subscription_id"`
	BundleTariffID uint   `json:"bundle_tariff_id"`
	Provider       string `json:"provider"`
}

// bindPurchase разбирает тело и находит покупателя
func (h *handler) bindPurchase(c *gin.Context) (*purchaseRequest, *db.User, bool) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return nil, nil, false
	}
	u, ok := h.userByTelegramID(c, req.TgID)
	if !ok {
		return nil, nil, false
	}
	return &req, u, true
}

func (h *handler) startPurchase(c *gin.Context, pr services.PurchaseRequest) {
	checkout, err := h.Orders.StartPurchase(c.Request.Context(), pr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCheckoutView(checkout))
}

func (h *handler) buyInvoice(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, u, ok := h.bindPurchase(c)
		if !ok {
			return
		}
		if req.TariffID == 0 {
			badRequest(c, "tariff_id is required")
			return
		}
		h.startPurchase(c, services.PurchaseRequest{
			UserID:   u.ID,
			Provider: provider,
			Purpose:  services.PurchaseServer,
			TariffID: req.TariffID,
		})
	}
}

func (h *handler) renewInvoice(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, u, ok := h.bindPurchase(c)
		if !ok {
			return
		}
		if req.TariffID == 0 || req.SubscriptionID == 0 {
			badRequest(c, "subscription_id and tariff_id are required")
			return
		}
		h.startPurchase(c, services.PurchaseRequest{
			UserID:         u.ID,
			Provider:       provider,
			Purpose:        services.PurchaseExtension,
			TariffID:       req.TariffID,
			SubscriptionID: req.SubscriptionID,
		})
	}
}

func (h *handler) bundleInvoice(c *gin.Context) {
	req, u, ok := h.bindPurchase(c)
	if !ok {
		return
	}
	if req.BundleTariffID == 0 {
		badRequest(c, "bundle_tariff_id is required")
		return
	}
	provider, ok := providerAlias[req.Provider]
	if !ok {
		respondError(c, services.ErrUnknownProvider)
		return
	}
	h.startPurchase(c, services.PurchaseRequest{
		UserID:         u.ID,
		Provider:       provider,
		Purpose:        services.PurchaseBundle,
		BundleTariffID: req.BundleTariffID,
	})
}

func (h *handler) respondOrder(c *gin.Context, o *db.Order, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(o))
}

func (h *handler) buyFromBalance(c *gin.Context) {
	req, u, ok := h.bindPurchase(c)
	if !ok {
		return
	}
	if req.TariffID == 0 {
		badRequest(c, "tariff_id is required")
		return
	}
	o, err := h.Orders.BuyFromBalance(c.Request.Context(), u.ID, req.TariffID)
	h.respondOrder(c, o, err)
}

func (h *handler) renewFromBalance(c *gin.Context) {
	req, u, ok := h.bindPurchase(c)
	if !ok {
		return
	}
	if req.TariffID == 0 || req.SubscriptionID == 0 {
		badRequest(c, "subscription_id and tariff_id are required")
		return
	}
	o, err := h.Orders.RenewFromBalance(c.Request.Context(), u.ID, req.SubscriptionID, req.TariffID)
	h.respondOrder(c, o, err)
}

func (h *handler) bundleFromBalance(c *gin.Context) {
	req, u, ok := h.bindPurchase(c)
	if !ok {
		return
	}
	if req.BundleTariffID == 0 {
		badRequest(c, "bundle_tariff_id is required")
		return
	}
	o, err := h.Orders.BundleFromBalance(c.Request.Context(), u.ID, req.BundleTariffID)
	h.respondOrder(c, o, err)
}

func (h *handler) activeOrder(c *gin.Context) {
	u, ok := h.userByParam(c)
	if !ok {
		return
	}
	o, err := h.Orders.GetActiveOrder(c.Request.Context(), u.ID)
	h.respondOrder(c, o, err)
}

type cancelRequest struct {
	TgID int64 `json:"tg_id" binding:"required"`
}

func (h *handler) cancelOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, ok := h.userByTelegramID(c, req.TgID)
	if !ok {
		return
	}
	o, err := h.Orders.CancelOrder(c.Request.Context(), id, u.ID)
	h.respondOrder(c, o, err)
}

func (h *handler) orderStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Orders.GetOrder(c.Request.Context(), id)
	h.respondOrder(c, o, err)
}

func (h *handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Health != nil {
		body["servers"] = h.Health.Statuses()
	}
	c.JSON(http.StatusOK, body)
}
