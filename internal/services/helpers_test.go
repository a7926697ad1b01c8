package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/db/dbtest"
	"vpn-miniapp-backend/internal/panel"
	"vpn-miniapp-backend/internal/payments"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakePanel: инбаунд 3x-ui в памяти
type fakePanel struct {
	mu       sync.Mutex
	now      func() time.Time
	inbound  panel.Inbound
	clients  map[string]panel.InboundClient
	failAdd  error
	failExt  error
	failPing error
	removed  []string
	addCalls int
	extCalls int
}

func newFakePanel(now func() time.Time) *fakePanel {
	return &fakePanel{
		now:     now,
		inbound: panel.Inbound{ID: 1, Enable: true, Port: 443, Protocol: "vless", Stream: panel.StreamSettings{Network: "tcp"}},
		clients: map[string]panel.InboundClient{},
	}
}

func (f *fakePanel) FindInboundByPort(ctx context.Context, port int) (*panel.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port != f.inbound.Port {
		return nil, panel.ErrInboundNotFound
	}
	in := f.inbound
	return &in, nil
}

func (f *fakePanel) ListClients(ctx context.Context, inboundID int) ([]panel.InboundClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]panel.InboundClient, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakePanel) AddClient(ctx context.Context, in *panel.Inbound, email string, days int, subID string) (*panel.InboundClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.failAdd != nil {
		return nil, f.failAdd
	}
	if _, ok := f.clients[email]; ok {
		return nil, fmt.Errorf("duplicate email %s", email)
	}
	c := panel.InboundClient{
		ID:         uuid.NewString(),
		Email:      email,
		Enable:     true,
		ExpiryTime: panel.NextExpiry(time.Time{}, f.now(), days).UnixMilli(),
		SubID:      subID,
	}
	f.clients[email] = c
	return &c, nil
}

func (f *fakePanel) ExtendClient(ctx context.Context, inboundID int, email string, days int) (*panel.InboundClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extCalls++
	if f.failExt != nil {
		return nil, f.failExt
	}
	c, ok := f.clients[email]
	if !ok {
		return nil, fmt.Errorf("%w: %s", panel.ErrClientNotFound, email)
	}
	c.ExpiryTime = panel.NextExpiry(c.Expiry(), f.now(), days).UnixMilli()
	c.Enable = true
	f.clients[email] = c
	return &c, nil
}

func (f *fakePanel) RemoveClient(ctx context.Context, inboundID int, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[email]; !ok {
		return fmt.Errorf("%w: %s", panel.ErrClientNotFound, email)
	}
	delete(f.clients, email)
	f.removed = append(f.removed, email)
	return nil
}

func (f *fakePanel) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failPing
}

func (f *fakePanel) client(email string) (panel.InboundClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	return c, ok
}

func (f *fakePanel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakePanel) setFailAdd(err error) {
	f.mu.Lock()
	f.failAdd = err
	f.mu.Unlock()
}

func (f *fakePanel) setFailExt(err error) {
	f.mu.Lock()
	f.failExt = err
	f.mu.Unlock()
}

// fakeRail выставляет счета без сети. У Stars идентификатор платежа равен payload
type fakeRail struct {
	mu       sync.Mutex
	provider string
	err      error
	reqs     []payments.InvoiceRequest
}

func (r *fakeRail) Provider() string { return r.provider }

func (r *fakeRail) CreateInvoice(ctx context.Context, req payments.InvoiceRequest) (*payments.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.reqs = append(r.reqs, req)
	id := fmt.Sprintf("%s-%d", r.provider, len(r.reqs))
	if r.provider == db.ProviderStars {
		id = req.Payload
	}
	return &payments.Invoice{ProviderPaymentID: id, URL: "https://pay.example/" + id}, nil
}

func (r *fakeRail) last() payments.InvoiceRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

type sentMessage struct {
	tgID int64
	text string
}

type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recorder) NotifyUser(ctx context.Context, tgID int64, text string) {
	r.mu.Lock()
	r.sent = append(r.sent, sentMessage{tgID, text})
	r.mu.Unlock()
}

func (r *recorder) to(tgID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		if m.tgID == tgID {
			out = append(out, m.text)
		}
	}
	return out
}

type testEnv struct {
	ctx      context.Context
	store    *dbtest.MemStore
	clock    *clock
	panels   map[uint]*fakePanel
	rails    map[string]*fakeRail
	notes    *recorder
	prov     *Provisioner
	ledger   *Ledger
	referral *ReferralService
	orders   *OrderService
	wallet   *WalletService
	rec      *Reconciler
	days     *FreeDaysService
	rewards  *RewardService
	promo    *PromoService
	users    *UserService
	health   *HealthService

	country  db.Country
	server   db.Server
	tariff   db.Tariff
	referrer db.User
	user     db.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		ctx:    context.Background(),
		store:  dbtest.NewMemStore(),
		clock:  &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
		panels: map[uint]*fakePanel{},
		notes:  &recorder{},
	}
	var mu sync.Mutex
	provider := func(srv *db.Server) PanelAPI {
		mu.Lock()
		defer mu.Unlock()
		p, ok := e.panels[srv.ID]
		if !ok {
			p = newFakePanel(e.clock.Now)
			e.panels[srv.ID] = p
		}
		return p
	}
	e.rails = map[string]*fakeRail{
		db.ProviderStars:    {provider: db.ProviderStars},
		db.ProviderCrypto:   {provider: db.ProviderCrypto},
		db.ProviderYooKassa: {provider: db.ProviderYooKassa},
	}
	rails := []payments.Rail{e.rails[db.ProviderStars], e.rails[db.ProviderCrypto], e.rails[db.ProviderYooKassa]}

	opts := Options{OrderTTL: 10 * time.Minute, Brand: "vpn", RefundOnFailure: true, CheckinMax: 3, CheckinRewardDays: 1, Now: e.clock.Now}
	e.prov = NewProvisioner(provider, cache.NewLocalLocker(), opts)
	e.ledger = NewLedger(e.store, e.prov, e.notes, opts)
	e.referral = NewReferralService(e.store)
	e.orders = NewOrderService(e.store, e.prov, e.ledger, e.referral, e.notes, rails, opts)
	e.wallet = NewWalletService(e.store, rails, opts)
	e.rec = NewReconciler(e.store, e.orders, e.wallet, e.notes, opts)
	e.days = NewFreeDaysService(e.store, e.prov, e.ledger, e.notes, opts)
	e.rewards = NewRewardService(e.store, opts)
	e.promo = NewPromoService(e.store, opts)
	e.users = NewUserService(e.store)
	e.health = NewHealthService(e.store, provider, time.Second, opts)

	e.country = e.store.AddCountry(db.Country{Name: "Netherlands", Code: "NL"})
	e.server = e.addServer("Amsterdam")
	e.tariff = e.store.AddTariff(db.Tariff{ServerID: e.server.ID, Days: 30, Price: dec("5"), IsActive: true})
	e.referrer = e.store.AddUser(db.User{TelegramID: 200, Username: "ref"})
	e.user = e.store.AddUser(db.User{TelegramID: 100, Username: "alice", ReferrerID: &e.referrer.ID})
	e.store.SetRate(db.PairStarsUSDT, dec("0.013"))
	e.store.SetRate(db.PairUSDTRUB, dec("90"))
	_, err := e.store.ActivateReferralConfig(e.ctx, dec("10"))
	require.NoError(t, err)
	return e
}

func (e *testEnv) addServer(name string) db.Server {
	return e.store.AddServer(db.Server{
		Name:        name,
		IP:          "203.0.113.10",
		PanelURL:    "https://panel.example",
		InboundPort: 443,
		MaxConn:     10,
		IsActive:    true,
		CountryID:   &e.country.ID,
	})
}

func (e *testEnv) panelFor(serverID uint) *fakePanel {
	p, ok := e.panels[serverID]
	if !ok {
		p = newFakePanel(e.clock.Now)
		e.panels[serverID] = p
	}
	return p
}

func (e *testEnv) order(t *testing.T, id uint) db.Order {
	t.Helper()
	o, err := e.store.GetOrder(e.ctx, id)
	require.NoError(t, err)
	return *o
}

func (e *testEnv) activeOrders(userID uint) int {
	n := 0
	for _, o := range e.store.Orders() {
		if o.UserID == userID && (o.Status == db.OrderPending || o.Status == db.OrderProcessing) {
			n++
		}
	}
	return n
}

// confirm подтверждает последний счёт провайдера так, как это сделал бы вебхук
func (e *testEnv) confirm(t *testing.T, provider string) string {
	t.Helper()
	req := e.rails[provider].last()
	var p *db.Payment
	for _, pay := range e.store.Payments() {
		if pay.Provider == provider {
			pay := pay
			p = &pay
		}
	}
	require.NotNil(t, p)
	out, err := e.rec.Confirm(e.ctx, Confirmation{Provider: provider, ProviderPaymentID: p.ProviderPaymentID, Payload: req.Payload})
	require.NoError(t, err)
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
