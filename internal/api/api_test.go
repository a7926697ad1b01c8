package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-miniapp-backend/config"
	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/db/dbtest"
	"vpn-miniapp-backend/internal/panel"
	"vpn-miniapp-backend/internal/payments"
	"vpn-miniapp-backend/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	jwtSecret     = "test-jwt-secret"
	cryptoToken   = "12345:AAcrypto"
	webhookSecret = "yk-webhook-secret"
)

// memPanel: инбаунд панели в памяти
type memPanel struct {
	mu      sync.Mutex
	clients map[string]panel.InboundClient
}

func (p *memPanel) FindInboundByPort(ctx context.Context, port int) (*panel.Inbound, error) {
	return &panel.Inbound{ID: 1, Enable: true, Port: port, Protocol: "vless", Stream: panel.StreamSettings{Network: "tcp"}}, nil
}

func (p *memPanel) ListClients(ctx context.Context, inboundID int) ([]panel.InboundClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]panel.InboundClient, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out, nil
}

func (p *memPanel) AddClient(ctx context.Context, in *panel.Inbound, email string, days int, subID string) (*panel.InboundClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := panel.InboundClient{
		ID:         uuid.NewString(),
		Email:      email,
		Enable:     true,
		ExpiryTime: panel.NextExpiry(time.Time{}, time.Now().UTC(), days).UnixMilli(),
		SubID:      subID,
	}
	p.clients[email] = c
	return &c, nil
}

func (p *memPanel) ExtendClient(ctx context.Context, inboundID int, email string, days int) (*panel.InboundClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[email]
	if !ok {
		return nil, panel.ErrClientNotFound
	}
	c.ExpiryTime = panel.NextExpiry(c.Expiry(), time.Now().UTC(), days).UnixMilli()
	p.clients[email] = c
	return &c, nil
}

func (p *memPanel) RemoveClient(ctx context.Context, inboundID int, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, email)
	return nil
}

func (p *memPanel) Ping(ctx context.Context) error { return nil }

// seqRail выдаёт числовые идентификаторы счетов, как CryptoPay
type seqRail struct {
	mu       sync.Mutex
	provider string
	n        int
	payloads []string
}

func (r *seqRail) Provider() string { return r.provider }

func (r *seqRail) CreateInvoice(ctx context.Context, req payments.InvoiceRequest) (*payments.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	r.payloads = append(r.payloads, req.Payload)
	id := strconv.Itoa(r.n)
	if r.provider == db.ProviderYooKassa {
		id = fmt.Sprintf("2f%06d-000f-5000-9000", r.n)
	}
	return &payments.Invoice{ProviderPaymentID: id, URL: "https://pay.example/" + r.provider + "/" + id}, nil
}

type apiEnv struct {
	store  *dbtest.MemStore
	router *gin.Engine
	server db.Server
	tariff db.Tariff
	user   db.User
	rails  map[string]*seqRail
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := dbtest.NewMemStore()
	p := &memPanel{clients: map[string]panel.InboundClient{}}
	provider := func(*db.Server) services.PanelAPI { return p }

	railMap := map[string]*seqRail{
		db.ProviderStars:    {provider: db.ProviderStars},
		db.ProviderCrypto:   {provider: db.ProviderCrypto},
		db.ProviderYooKassa: {provider: db.ProviderYooKassa},
	}
	rails := []payments.Rail{railMap[db.ProviderStars], railMap[db.ProviderCrypto], railMap[db.ProviderYooKassa]}

	opts := services.Options{OrderTTL: 10 * time.Minute, Brand: "vpn", RefundOnFailure: true}
	prov := services.NewProvisioner(provider, cache.NewLocalLocker(), opts)
	ledger := services.NewLedger(store, prov, nil, opts)
	referral := services.NewReferralService(store)
	orders := services.NewOrderService(store, prov, ledger, referral, nil, rails, opts)
	wallet := services.NewWalletService(store, rails, opts)

	e := &apiEnv{store: store, rails: railMap}
	country := store.AddCountry(db.Country{Name: "Netherlands", Code: "NL"})
	e.server = store.AddServer(db.Server{
		Name: "Amsterdam", IP: "203.0.113.10", PanelURL: "https://panel.example", PanelPassword: "hunter2",
		InboundPort: 443, MaxConn: 10, IsActive: true, CountryID: &country.ID,
	})
	e.tariff = store.AddTariff(db.Tariff{ServerID: e.server.ID, Days: 30, Price: decimal.NewFromInt(5), IsActive: true})
	e.user = store.AddUser(db.User{TelegramID: 100, Username: "alice"})
	store.SetRate(db.PairStarsUSDT, decimal.RequireFromString("0.013"))
	store.SetRate(db.PairUSDTRUB, decimal.NewFromInt(90))

	e.router = NewRouter(Deps{
		Config: &config.AppConfig{
			Env:                   "test",
			JWTSecret:             jwtSecret,
			CryptoPayToken:        cryptoToken,
			YooKassaWebhookSecret: webhookSecret,
		},
		Store:      store,
		Limiter:    cache.NewLocalLimiter(),
		Users:      services.NewUserService(store),
		Orders:     orders,
		Reconciler: services.NewReconciler(store, orders, wallet, nil, opts),
		Wallet:     wallet,
		Ledger:     ledger,
		Referral:   referral,
		FreeDays:   services.NewFreeDaysService(store, prov, ledger, nil, opts),
		Rewards:    services.NewRewardService(store, opts),
		Promo:      services.NewPromoService(store, opts),
		Health:     services.NewHealthService(store, provider, time.Second, opts),
	})
	return e
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (e *apiEnv) orderStatus(t *testing.T, id uint) string {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestRegisterAndCatalog(t *testing.T) {
	e := newAPIEnv(t)

	code, body := e.do(t, http.MethodPost, "/user/register", gin.H{"tg_id": 300, "username": "bob", "referrer_tg_id": 100})
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["has_referer"])

	code, _ = e.do(t, http.MethodPost, "/user/register", gin.H{"tg_id": 300})
	assert.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodPost, "/user/register", gin.H{"username": "nobody"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/vpn/servers", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
	var servers []serverView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "NL", servers[0].Code)
	assert.True(t, servers[0].Available)

	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/vpn/tariffs/%d", e.server.ID), nil)
	assert.Equal(t, http.StatusOK, code)
	code, body = e.do(t, http.MethodGet, "/vpn/tariffs/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SERVER_NOT_FOUND", body["error"])

	code, body = e.do(t, http.MethodGet, "/vpn/my/555", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "USER_NOT_FOUND", body["error"])
}

func TestInvoiceConflictAndCancel(t *testing.T) {
	e := newAPIEnv(t)

	code, body := e.do(t, http.MethodPost, "/vpn/yookassa-invoice", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "RUB", body["currency"])
	assert.Equal(t, "450", body["amount"])
	orderID := uint(body["order_id"].(float64))

	code, body = e.do(t, http.MethodPost, "/vpn/create_invoice", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ACTIVE_ORDER_EXISTS", body["error"])
	assert.Equal(t, float64(orderID), body["order_id"])
	assert.Equal(t, db.OrderPending, body["status"])
	assert.NotEmpty(t, body["expires_at"])

	code, body = e.do(t, http.MethodGet, "/order/active/100", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(orderID), body["id"])

	code, body = e.do(t, http.MethodPost, fmt.Sprintf("/order/cancel/%d", orderID), gin.H{"tg_id": 100})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, db.OrderCancelled, body["status"])

	code, body = e.do(t, http.MethodPost, fmt.Sprintf("/order/cancel/%d", orderID), gin.H{"tg_id": 100})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ORDER_CANT_CANCEL", body["error"])

	code, body = e.do(t, http.MethodGet, "/order/active/100", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ORDER_NOT_FOUND", body["error"])

	code, _ = e.do(t, http.MethodGet, "/order/status/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func signCrypto(body []byte) string {
	key := sha256.Sum256([]byte(cryptoToken))
	h := hmac.New(sha256.New, key[:])
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestCryptoWebhookCompletesOrder(t *testing.T) {
	e := newAPIEnv(t)

	code, body := e.do(t, http.MethodPost, "/vpn/crypto-invoice", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	require.Equal(t, http.StatusCreated, code)
	orderID := uint(body["order_id"].(float64))

	hook := []byte(fmt.Sprintf(`{"update_type":"invoice_paid","payload":{"invoice_id":1,"status":"paid","payload":"buy:%d"}}`, orderID))

	code, body = e.do(t, http.MethodPost, "/crypto/webhook", hook, "crypto-pay-api-signature", "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_SIGNATURE", body["error"])
	assert.Equal(t, db.OrderPending, e.orderStatus(t, orderID))

	code, body = e.do(t, http.MethodPost, "/crypto/webhook", hook, "crypto-pay-api-signature", signCrypto(hook))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OutcomeProcessed, body["outcome"])
	assert.Equal(t, db.OrderCompleted, e.orderStatus(t, orderID))
	require.Len(t, e.store.Subscriptions(), 1)

	// повтор того же вебхука ничего не меняет
	code, body = e.do(t, http.MethodPost, "/crypto/webhook", hook, "crypto-pay-api-signature", signCrypto(hook))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OutcomeDuplicate, body["outcome"])
	assert.Len(t, e.store.Subscriptions(), 1)

	other := []byte(`{"update_type":"invoice_expired","payload":{"invoice_id":7,"status":"expired","payload":"buy:1"}}`)
	code, body = e.do(t, http.MethodPost, "/crypto/webhook", other, "crypto-pay-api-signature", signCrypto(other))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OutcomeIgnored, body["outcome"])

	code, _ = e.do(t, http.MethodGet, "/vpn/my/100", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestYooKassaWebhookDeposit(t *testing.T) {
	e := newAPIEnv(t)

	code, body := e.do(t, http.MethodPost, "/wallet/deposit/yookassa", gin.H{"tg_id": 100, "amount": "10"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "900", body["amount"])
	opID := uint(body["op_id"].(float64))

	paymentID := e.store.Payments()[0].ProviderPaymentID
	hook := []byte(fmt.Sprintf(`{"event":"payment.succeeded","object":{"id":%q,"status":"succeeded","metadata":{"payload":"wallet:%d"}}}`, paymentID, opID))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(hook)
	sig := hex.EncodeToString(mac.Sum(nil))

	code, _ = e.do(t, http.MethodPost, "/yookassa/webhook", hook)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = e.do(t, http.MethodPost, "/yookassa/webhook", hook, "Content-Yoomoney-Signature", sig)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OutcomeProcessed, body["outcome"])
	assert.True(t, decimal.NewFromInt(10).Equal(e.store.Balance(e.user.ID)))

	code, body = e.do(t, http.MethodGet, fmt.Sprintf("/wallet/status/%d?tg_id=100", opID), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, db.WalletOpCompleted, body["status"])

	code, body = e.do(t, http.MethodGet, "/wallet/100", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10", body["balance"])

	// теперь хватает на покупку с баланса
	code, body = e.do(t, http.MethodPost, "/vpn/buy-from-balance", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, db.OrderCompleted, body["status"])
	assert.True(t, decimal.NewFromInt(5).Equal(e.store.Balance(e.user.ID)))
}

func TestDepositValidation(t *testing.T) {
	e := newAPIEnv(t)

	cases := []struct {
		path   string
		body   gin.H
		status int
		code   string
	}{
		{"/wallet/deposit/paypal", gin.H{"tg_id": 100, "amount": "10"}, http.StatusBadRequest, "UNKNOWN_PROVIDER"},
		{"/wallet/deposit/crypto", gin.H{"tg_id": 100, "amount": "0.05"}, http.StatusBadRequest, "AMOUNT_TOO_SMALL"},
		{"/wallet/deposit/crypto", gin.H{"tg_id": 100, "amount": "-1"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"/wallet/deposit/stars", gin.H{"tg_id": 404, "amount": "1"}, http.StatusNotFound, "USER_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.path+" "+tc.code, func(t *testing.T) {
			code, body := e.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, code)
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestBuyFromBalanceNotEnough(t *testing.T) {
	e := newAPIEnv(t)
	code, body := e.do(t, http.MethodPost, "/vpn/buy-from-balance", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NOT_ENOUGH_BALANCE", body["error"])
	assert.Empty(t, e.store.Orders())

	code, body = e.do(t, http.MethodPost, "/vpn/renew-from-balance", gin.H{"tg_id": 100, "tariff_id": e.tariff.ID})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["error"])
}

func TestRewardsAndPromo(t *testing.T) {
	e := newAPIEnv(t)
	e.store.AddPromo(db.PromoCode{Code: "WEEK", Kind: db.PromoKindDays, Days: 7, MaxUses: 5, IsActive: true})

	code, body := e.do(t, http.MethodPost, "/rewards/checkin", gin.H{"tg_id": 100})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["streak"])
	code, body = e.do(t, http.MethodPost, "/rewards/checkin", gin.H{"tg_id": 100})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_CHECKED_IN", body["error"])

	code, _ = e.do(t, http.MethodPost, "/promo/apply", gin.H{"tg_id": 100, "code": "week"})
	assert.Equal(t, http.StatusOK, code)
	code, body = e.do(t, http.MethodPost, "/promo/apply", gin.H{"tg_id": 100, "code": "week"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PROMO_ALREADY_USED", body["error"])

	code, body = e.do(t, http.MethodPost, "/rewards/tasks/"+services.TaskWelcomeBonus, gin.H{"tg_id": 100})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(9), body["free_days"])

	code, body = e.do(t, http.MethodPost, "/rewards/activate", gin.H{"tg_id": 100, "server_id": e.server.ID, "days": 20})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NOT_ENOUGH_DAYS", body["error"])

	code, body = e.do(t, http.MethodPost, "/rewards/activate", gin.H{"tg_id": 100, "server_id": e.server.ID, "days": 9})
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["access"])

	code, body = e.do(t, http.MethodGet, "/rewards/100", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["free_days"])
}

func TestAdminAuth(t *testing.T) {
	e := newAPIEnv(t)

	code, body := e.do(t, http.MethodGet, "/admin/referral", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", body["error"])

	code, _ = e.do(t, http.MethodGet, "/admin/referral", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, err := admin.IssueToken(jwtSecret, 1, time.Hour, time.Now())
	require.NoError(t, err)
	auth := "Bearer " + tok

	code, body = e.do(t, http.MethodPost, "/admin/referral", gin.H{"percent": "15"}, "Authorization", auth)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "15", body["percent"])

	code, body = e.do(t, http.MethodPost, "/admin/referral", gin.H{"percent": "150"}, "Authorization", auth)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_AMOUNT", body["error"])

	code, body = e.do(t, http.MethodPost, "/admin/orders/999/refund", nil, "Authorization", auth)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ORDER_NOT_FOUND", body["error"])

	code, _ = e.do(t, http.MethodGet, "/admin/stats", nil, "Authorization", auth)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	req := httptest.NewRequest(http.MethodGet, "/admin/servers/status", nil)
	req.Header.Set("Authorization", auth)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var statuses []services.ServerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Online)
}

func TestRateLimit(t *testing.T) {
	e := newAPIEnv(t)
	for i := 0; i < invoiceLimit; i++ {
		code, _ := e.do(t, http.MethodPost, "/vpn/buy-from-balance", gin.H{"tg_id": 404, "tariff_id": 1})
		require.Equal(t, http.StatusNotFound, code)
	}
	code, body := e.do(t, http.MethodPost, "/vpn/buy-from-balance", gin.H{"tg_id": 404, "tariff_id": 1})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", body["error"])

	// лимит считается по маршруту
	code, _ = e.do(t, http.MethodGet, "/order/active/404", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", services.ErrTariffNotFound), http.StatusNotFound, "TARIFF_NOT_FOUND"},
		{&services.ActiveOrderError{OrderID: 1, Status: db.OrderPending}, http.StatusConflict, "ACTIVE_ORDER_EXISTS"},
		{services.ErrNotEnoughBalance, http.StatusBadRequest, "NOT_ENOUGH_BALANCE"},
		{services.ErrProvisionFailed, http.StatusBadGateway, "PROVISION_FAILED"},
		{db.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{admin.ErrEmptyPatch, http.StatusBadRequest, "EMPTY_PATCH"},
		{fmt.Errorf("dial tcp: refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, code := errorCode(tc.err)
		assert.Equal(t, tc.status, status, tc.code)
		assert.Equal(t, tc.code, code)
	}
}
