package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/services"
)

// providerAlias: имя провайдера в URL и теле запроса -> рельс
var providerAlias = map[string]string{
	"stars":           db.ProviderStars,
	"crypto":          db.ProviderCrypto,
	db.ProviderCrypto: db.ProviderCrypto,
	"yookassa":        db.ProviderYooKassa,
}

const historyLimit = 20

type depositRequest struct {
	TgID   int64           `json:"tg_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *handler) deposit(c *gin.Context) {
	provider, ok := providerAlias[c.Param("provider")]
	if !ok {
		respondError(c, services.ErrUnknownProvider)
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, ok := h.userByTelegramID(c, req.TgID)
	if !ok {
		return
	}
	dep, err := h.Wallet.Deposit(c.Request.Context(), u.ID, provider, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"op_id":       dep.Operation.ID,
		"status":      dep.Operation.Status,
		"payment_url": dep.PaymentURL,
		"amount":      dep.Amount,
		"currency":    dep.Currency,
	})
}

// depositStatus: GET /wallet/status/:op_id?tg_id=...
func (h *handler) depositStatus(c *gin.Context) {
	opID, ok := idParam(c, "op_id")
	if !ok {
		return
	}
	tgID, err := strconv.ParseInt(c.Query("tg_id"), 10, 64)
	if err != nil || tgID <= 0 {
		badRequest(c, "tg_id query parameter is required")
		return
	}
	u, ok := h.userByTelegramID(c, tgID)
	if !ok {
		return
	}
	op, err := h.Wallet.Status(c.Request.Context(), opID, u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWalletOpView(op))
}

func (h *handler) walletInfo(c *gin.Context) {
	u, ok := h.userByParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		balance decimal.Decimal
		history []db.WalletTransaction
		stats   *services.ReferralStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = h.Wallet.Balance(gctx, u.ID)
		return err
	})
	g.Go(func() (err error) {
		history, err = h.Wallet.History(gctx, u.ID, historyLimit)
		return err
	})
	g.Go(func() (err error) {
		stats, err = h.Referral.Stats(gctx, u.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		respondError(c, err)
		return
	}

	txs := make([]txView, 0, len(history))
	for _, t := range history {
		txs = append(txs, txView{Amount: t.Amount, Type: t.Type, Description: t.Description, CreatedAt: t.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":  balance,
		"history":  txs,
		"referral": stats,
	})
}

type tgRequest struct {
	TgID int64 `json:"tg_id" binding:"required"`
}

func (h *handler) bindUser(c *gin.Context) (*db.User, bool) {
	var req tgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	return h.userByTelegramID(c, req.TgID)
}

func (h *handler) rewardsInfo(c *gin.Context) {
	u, ok := h.userByParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	days, err := h.FreeDays.Balance(ctx, u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	tasks, err := h.Rewards.Tasks(ctx, u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	ops, err := h.FreeDays.History(ctx, u.ID, historyLimit)
	if err != nil {
		respondError(c, err)
		return
	}
	history := make([]gin.H, 0, len(ops))
	for _, op := range ops {
		history = append(history, gin.H{"delta": op.Delta, "source": op.Source, "created_at": op.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{
		"free_days": days,
		"tasks":     tasks,
		"history":   history,
	})
}

func (h *handler) checkin(c *gin.Context) {
	u, ok := h.bindUser(c)
	if !ok {
		return
	}
	res, err := h.Rewards.Checkin(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) completeTask(c *gin.Context) {
	u, ok := h.bindUser(c)
	if !ok {
		return
	}
	bal, err := h.Rewards.CompleteTask(c.Request.Context(), u.ID, c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": c.Param("key"), "free_days": bal})
}

type activateRequest struct {
	TgID     int64 `json:"tg_id" binding:"required"`
	ServerID uint  `json:"server_id" binding:"required"`
	Days     int   `json:"days" binding:"required,min=1"`
}

func (h *handler) activateDays(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, ok := h.userByTelegramID(c, req.TgID)
	if !ok {
		return
	}
	sub, err := h.FreeDays.Activate(c.Request.Context(), u.ID, req.ServerID, req.Days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription_id": sub.ID,
		"server_id":       sub.ServerID,
		"expires_at":      sub.ExpiresAt,
		"access":          sub.AccessData,
	})
}

type promoRequest struct {
	TgID int64  `json:"tg_id" binding:"required"`
	Code string `json:"code" binding:"required"`
}

func (h *handler) applyPromo(c *gin.Context) {
	var req promoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	u, ok := h.userByTelegramID(c, req.TgID)
	if !ok {
		return
	}
	res, err := h.Promo.Apply(c.Request.Context(), u.ID, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
