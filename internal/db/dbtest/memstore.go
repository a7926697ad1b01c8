// Package dbtest содержит Store в памяти для тестов сервисов.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
)

type state struct {
	seq uint

	users         map[uint]db.User
	wallets       map[uint]db.Wallet
	walletTxs     map[uint]db.WalletTransaction
	walletOps     map[uint]db.WalletOperation
	countries     map[uint]db.Country
	servers       map[uint]db.Server
	tariffs       map[uint]db.Tariff
	plans         map[uint]db.BundlePlan
	bundleServers map[uint]db.BundleServer
	bundleTariffs map[uint]db.BundleTariff
	orders        map[uint]db.Order
	payments      map[uint]db.Payment
	subs          map[uint]db.VPNSubscription
	bundles       map[uint]db.BundleSubscription
	items         map[uint]db.BundleSubscriptionItem
	refCfgs       map[uint]db.ReferralConfig
	earnings      map[uint]db.ReferralEarning
	freeDays      map[uint]db.UserFreeDaysBalance
	rewardOps     map[uint]db.UserRewardOp
	rewards       map[uint]db.UserReward
	checkins      map[uint]db.UserCheckin
	tasks         map[uint]db.UserTask
	promos        map[uint]db.PromoCode
	usages        map[uint]db.PromoCodeUsage
	rates         map[string]db.ExchangeRate
}

func newState() *state {
	return &state{
		users:         map[uint]db.User{},
		wallets:       map[uint]db.Wallet{},
		walletTxs:     map[uint]db.WalletTransaction{},
		walletOps:     map[uint]db.WalletOperation{},
		countries:     map[uint]db.Country{},
		servers:       map[uint]db.Server{},
		tariffs:       map[uint]db.Tariff{},
		plans:         map[uint]db.BundlePlan{},
		bundleServers: map[uint]db.BundleServer{},
		bundleTariffs: map[uint]db.BundleTariff{},
		orders:        map[uint]db.Order{},
		payments:      map[uint]db.Payment{},
		subs:          map[uint]db.VPNSubscription{},
		bundles:       map[uint]db.BundleSubscription{},
		items:         map[uint]db.BundleSubscriptionItem{},
		refCfgs:       map[uint]db.ReferralConfig{},
		earnings:      map[uint]db.ReferralEarning{},
		freeDays:      map[uint]db.UserFreeDaysBalance{},
		rewardOps:     map[uint]db.UserRewardOp{},
		rewards:       map[uint]db.UserReward{},
		checkins:      map[uint]db.UserCheckin{},
		tasks:         map[uint]db.UserTask{},
		promos:        map[uint]db.PromoCode{},
		usages:        map[uint]db.PromoCodeUsage{},
		rates:         map[string]db.ExchangeRate{},
	}
}

func cp[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		seq:           s.seq,
		users:         cp(s.users),
		wallets:       cp(s.wallets),
		walletTxs:     cp(s.walletTxs),
		walletOps:     cp(s.walletOps),
		countries:     cp(s.countries),
		servers:       cp(s.servers),
		tariffs:       cp(s.tariffs),
		plans:         cp(s.plans),
		bundleServers: cp(s.bundleServers),
		bundleTariffs: cp(s.bundleTariffs),
		orders:        cp(s.orders),
		payments:      cp(s.payments),
		subs:          cp(s.subs),
		bundles:       cp(s.bundles),
		items:         cp(s.items),
		refCfgs:       cp(s.refCfgs),
		earnings:      cp(s.earnings),
		freeDays:      cp(s.freeDays),
		rewardOps:     cp(s.rewardOps),
		rewards:       cp(s.rewards),
		checkins:      cp(s.checkins),
		tasks:         cp(s.tasks),
		promos:        cp(s.promos),
		usages:        cp(s.usages),
		rates:         cp(s.rates),
	}
}

func (s *state) next() uint {
	s.seq++
	return s.seq
}

// MemStore реализует db.Store в памяти. Транзакции сериализуются одним
// мьютексом и откатываются восстановлением снимка.
type MemStore struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ db.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{mu: &sync.Mutex{}, st: newState()}
}

func (s *MemStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemStore) Transaction(ctx context.Context, fn func(tx db.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(&MemStore{mu: s.mu, st: s.st, inTx: true}); err != nil {
		*s.st = *snap
		return err
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func sorted[T any](m map[uint]T, keep func(T) bool) []T {
	keys := make([]uint, 0, len(m))
	for k, v := range m {
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func get[T any](m map[uint]T, id uint) (*T, error) {
	v, ok := m[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &v, nil
}

func isActiveOrder(o db.Order) bool {
	return o.Status == db.OrderPending || o.Status == db.OrderProcessing
}

// --- пользователи ---

func (s *MemStore) GetUser(ctx context.Context, id uint) (*db.User, error) {
	defer s.lock()()
	return get(s.st.users, id)
}

func (s *MemStore) GetUserByTelegramID(ctx context.Context, tgID int64) (*db.User, error) {
	defer s.lock()()
	for _, u := range s.st.users {
		if u.TelegramID == tgID {
			u := u
			return &u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) LockUser(ctx context.Context, id uint) (*db.User, error) {
	return s.GetUser(ctx, id)
}

func (s *MemStore) CreateUser(ctx context.Context, u *db.User) error {
	defer s.lock()()
	for _, ex := range s.st.users {
		if ex.TelegramID == u.TelegramID {
			return db.ErrDuplicate
		}
	}
	u.ID = s.st.next()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	if u.Role == "" {
		u.Role = db.RoleUser
	}
	s.st.users[u.ID] = *u
	return nil
}

func (s *MemStore) CountReferrals(ctx context.Context, userID uint) (int64, error) {
	defer s.lock()()
	var n int64
	for _, u := range s.st.users {
		if u.ReferrerID != nil && *u.ReferrerID == userID {
			n++
		}
	}
	return n, nil
}

// --- кошелёк ---

func (s *MemStore) findWallet(userID uint) (*db.Wallet, error) {
	for _, w := range s.st.wallets {
		if w.UserID == userID {
			w := w
			return &w, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) GetWallet(ctx context.Context, userID uint) (*db.Wallet, error) {
	defer s.lock()()
	return s.findWallet(userID)
}

func (s *MemStore) LockWallet(ctx context.Context, userID uint) (*db.Wallet, error) {
	defer s.lock()()
	if w, err := s.findWallet(userID); err == nil {
		return w, nil
	}
	w := db.Wallet{ID: s.st.next(), UserID: userID, Balance: decimal.Zero, UpdatedAt: now()}
	s.st.wallets[w.ID] = w
	return &w, nil
}

func (s *MemStore) SaveWallet(ctx context.Context, w *db.Wallet) error {
	defer s.lock()()
	w.UpdatedAt = now()
	s.st.wallets[w.ID] = *w
	return nil
}

func (s *MemStore) AddWalletTransaction(ctx context.Context, t *db.WalletTransaction) error {
	defer s.lock()()
	t.ID = s.st.next()
	t.CreatedAt = now()
	s.st.walletTxs[t.ID] = *t
	return nil
}

func (s *MemStore) ListWalletTransactions(ctx context.Context, walletID uint, limit int) ([]db.WalletTransaction, error) {
	defer s.lock()()
	all := sorted(s.st.walletTxs, func(t db.WalletTransaction) bool { return t.WalletID == walletID })
	out := make([]db.WalletTransaction, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemStore) CreateWalletOperation(ctx context.Context, op *db.WalletOperation) error {
	defer s.lock()()
	op.ID = s.st.next()
	op.CreatedAt = now()
	s.st.walletOps[op.ID] = *op
	return nil
}

func (s *MemStore) GetWalletOperation(ctx context.Context, id uint) (*db.WalletOperation, error) {
	defer s.lock()()
	return get(s.st.walletOps, id)
}

func (s *MemStore) LockWalletOperation(ctx context.Context, id uint) (*db.WalletOperation, error) {
	return s.GetWalletOperation(ctx, id)
}

func (s *MemStore) SaveWalletOperation(ctx context.Context, op *db.WalletOperation) error {
	defer s.lock()()
	s.st.walletOps[op.ID] = *op
	return nil
}

// --- каталог ---

func (s *MemStore) withCountry(srv db.Server) db.Server {
	if srv.CountryID != nil {
		if c, ok := s.st.countries[*srv.CountryID]; ok {
			srv.Country = &c
		}
	}
	return srv
}

func (s *MemStore) GetServer(ctx context.Context, id uint) (*db.Server, error) {
	defer s.lock()()
	srv, ok := s.st.servers[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	srv = s.withCountry(srv)
	return &srv, nil
}

func (s *MemStore) ListServers(ctx context.Context, onlyActive bool) ([]db.Server, error) {
	defer s.lock()()
	out := sorted(s.st.servers, func(srv db.Server) bool { return !onlyActive || srv.IsActive })
	for i := range out {
		out[i] = s.withCountry(out[i])
	}
	return out, nil
}

func (s *MemStore) UpdateServerLoad(ctx context.Context, id uint, nowConn int, isActive bool) error {
	defer s.lock()()
	srv, ok := s.st.servers[id]
	if !ok {
		return db.ErrNotFound
	}
	srv.NowConn = nowConn
	srv.IsActive = isActive
	s.st.servers[id] = srv
	return nil
}

func (s *MemStore) GetCountry(ctx context.Context, id uint) (*db.Country, error) {
	defer s.lock()()
	return get(s.st.countries, id)
}

func (s *MemStore) GetTariff(ctx context.Context, id uint) (*db.Tariff, error) {
	defer s.lock()()
	return get(s.st.tariffs, id)
}

func (s *MemStore) ListTariffs(ctx context.Context, serverID uint) ([]db.Tariff, error) {
	defer s.lock()()
	out := sorted(s.st.tariffs, func(t db.Tariff) bool { return t.ServerID == serverID && t.IsActive })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Days < out[j].Days })
	return out, nil
}

func (s *MemStore) GetBundlePlan(ctx context.Context, id uint) (*db.BundlePlan, error) {
	defer s.lock()()
	return get(s.st.plans, id)
}

func (s *MemStore) GetBundleTariff(ctx context.Context, id uint) (*db.BundleTariff, error) {
	defer s.lock()()
	return get(s.st.bundleTariffs, id)
}

func (s *MemStore) ListBundleServers(ctx context.Context, planID uint) ([]db.Server, error) {
	defer s.lock()()
	var ids []uint
	for _, bs := range s.st.bundleServers {
		if bs.PlanID == planID {
			ids = append(ids, bs.ServerID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]db.Server, 0, len(ids))
	for _, id := range ids {
		if srv, ok := s.st.servers[id]; ok {
			out = append(out, s.withCountry(srv))
		}
	}
	return out, nil
}

func (s *MemStore) GetExchangeRate(ctx context.Context, pair string) (*db.ExchangeRate, error) {
	defer s.lock()()
	r, ok := s.st.rates[pair]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

// --- заказы и платежи ---

func (s *MemStore) CreateOrder(ctx context.Context, o *db.Order) error {
	defer s.lock()()
	if isActiveOrder(*o) {
		for _, ex := range s.st.orders {
			if ex.UserID == o.UserID && isActiveOrder(ex) {
				return db.ErrDuplicate
			}
		}
	}
	o.ID = s.st.next()
	o.CreatedAt = now()
	o.UpdatedAt = o.CreatedAt
	s.st.orders[o.ID] = *o
	return nil
}

func (s *MemStore) GetOrder(ctx context.Context, id uint) (*db.Order, error) {
	defer s.lock()()
	return get(s.st.orders, id)
}

func (s *MemStore) LockOrder(ctx context.Context, id uint) (*db.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *MemStore) SaveOrder(ctx context.Context, o *db.Order) error {
	defer s.lock()()
	if isActiveOrder(*o) {
		for _, ex := range s.st.orders {
			if ex.ID != o.ID && ex.UserID == o.UserID && isActiveOrder(ex) {
				return db.ErrDuplicate
			}
		}
	}
	o.UpdatedAt = now()
	s.st.orders[o.ID] = *o
	return nil
}

func (s *MemStore) FindActiveOrder(ctx context.Context, userID uint) (*db.Order, error) {
	defer s.lock()()
	all := sorted(s.st.orders, func(o db.Order) bool { return o.UserID == userID && isActiveOrder(o) })
	if len(all) == 0 {
		return nil, db.ErrNotFound
	}
	o := all[len(all)-1]
	return &o, nil
}

func (s *MemStore) ExpireStaleOrders(ctx context.Context, at time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, o := range s.st.orders {
		if o.Status == db.OrderPending && o.ExpiresAt != nil && o.ExpiresAt.Before(at) {
			o.Status = db.OrderExpired
			o.UpdatedAt = at
			s.st.orders[id] = o
			n++
		}
	}
	return n, nil
}

func (s *MemStore) HasCompletedOrder(ctx context.Context, userID uint) (bool, error) {
	defer s.lock()()
	for _, o := range s.st.orders {
		if o.UserID == userID && o.Status == db.OrderCompleted && o.Provider != db.ProviderFreeDays {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CreatePayment(ctx context.Context, p *db.Payment) error {
	defer s.lock()()
	for _, ex := range s.st.payments {
		if ex.Provider == p.Provider && ex.ProviderPaymentID == p.ProviderPaymentID {
			return db.ErrDuplicate
		}
	}
	p.ID = s.st.next()
	p.CreatedAt = now()
	s.st.payments[p.ID] = *p
	return nil
}

func (s *MemStore) GetPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*db.Payment, error) {
	defer s.lock()()
	for _, p := range s.st.payments {
		if p.Provider == provider && p.ProviderPaymentID == providerPaymentID {
			p := p
			return &p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) LockPaymentByProvider(ctx context.Context, provider, providerPaymentID string) (*db.Payment, error) {
	return s.GetPaymentByProvider(ctx, provider, providerPaymentID)
}

func (s *MemStore) SavePayment(ctx context.Context, p *db.Payment) error {
	defer s.lock()()
	s.st.payments[p.ID] = *p
	return nil
}

// --- подписки ---

func (s *MemStore) CreateSubscription(ctx context.Context, sub *db.VPNSubscription) error {
	defer s.lock()()
	for _, ex := range s.st.subs {
		if ex.ServerID == sub.ServerID && ex.ClientEmail == sub.ClientEmail {
			return db.ErrDuplicate
		}
	}
	sub.ID = s.st.next()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	s.st.subs[sub.ID] = *sub
	return nil
}

func (s *MemStore) GetSubscription(ctx context.Context, id uint) (*db.VPNSubscription, error) {
	defer s.lock()()
	return get(s.st.subs, id)
}

func (s *MemStore) SaveSubscription(ctx context.Context, sub *db.VPNSubscription) error {
	defer s.lock()()
	s.st.subs[sub.ID] = *sub
	return nil
}

func (s *MemStore) FindUserSubscriptionOnServer(ctx context.Context, userID, serverID uint) (*db.VPNSubscription, error) {
	defer s.lock()()
	var best *db.VPNSubscription
	for _, sub := range s.st.subs {
		if sub.UserID == userID && sub.ServerID == serverID {
			if best == nil || sub.ExpiresAt.After(best.ExpiresAt) {
				sub := sub
				best = &sub
			}
		}
	}
	if best == nil {
		return nil, db.ErrNotFound
	}
	return best, nil
}

func (s *MemStore) ListUserSubscriptions(ctx context.Context, userID uint) ([]db.VPNSubscription, error) {
	defer s.lock()()
	out := sorted(s.st.subs, func(sub db.VPNSubscription) bool { return sub.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.After(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemStore) ListExpiredActiveSubscriptions(ctx context.Context, at time.Time) ([]db.VPNSubscription, error) {
	defer s.lock()()
	return sorted(s.st.subs, func(sub db.VPNSubscription) bool {
		return sub.IsActive && sub.ExpiresAt.Before(at)
	}), nil
}

func (s *MemStore) ListExpiringSubscriptions(ctx context.Context, at, until time.Time) ([]db.VPNSubscription, error) {
	defer s.lock()()
	return sorted(s.st.subs, func(sub db.VPNSubscription) bool {
		return sub.IsActive && !sub.NotifiedExpiring && sub.ExpiresAt.After(at) && !sub.ExpiresAt.After(until)
	}), nil
}

func (s *MemStore) CountActiveSubscriptions(ctx context.Context, serverID uint, at time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for _, sub := range s.st.subs {
		if sub.ServerID == serverID && sub.IsActive && sub.ExpiresAt.After(at) {
			n++
		}
	}
	return n, nil
}

// --- бандлы ---

func (s *MemStore) CreateBundleSubscription(ctx context.Context, b *db.BundleSubscription, items []db.BundleSubscriptionItem) error {
	defer s.lock()()
	for _, ex := range s.st.bundles {
		if ex.UserID == b.UserID && ex.PlanID == b.PlanID {
			return db.ErrDuplicate
		}
	}
	b.ID = s.st.next()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now()
	}
	s.st.bundles[b.ID] = *b
	for i := range items {
		items[i].ID = s.st.next()
		items[i].BundleSubscriptionID = b.ID
		s.st.items[items[i].ID] = items[i]
	}
	return nil
}

func (s *MemStore) GetBundleSubscription(ctx context.Context, id uint) (*db.BundleSubscription, error) {
	defer s.lock()()
	return get(s.st.bundles, id)
}

func (s *MemStore) FindBundleSubscription(ctx context.Context, userID, planID uint) (*db.BundleSubscription, error) {
	defer s.lock()()
	for _, b := range s.st.bundles {
		if b.UserID == userID && b.PlanID == planID {
			b := b
			return &b, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) SaveBundleSubscription(ctx context.Context, b *db.BundleSubscription) error {
	defer s.lock()()
	s.st.bundles[b.ID] = *b
	return nil
}

func (s *MemStore) SaveBundleItem(ctx context.Context, it *db.BundleSubscriptionItem) error {
	defer s.lock()()
	s.st.items[it.ID] = *it
	return nil
}

func (s *MemStore) ListBundleItems(ctx context.Context, bundleID uint) ([]db.BundleSubscriptionItem, error) {
	defer s.lock()()
	return sorted(s.st.items, func(it db.BundleSubscriptionItem) bool { return it.BundleSubscriptionID == bundleID }), nil
}

func (s *MemStore) ListUserBundles(ctx context.Context, userID uint) ([]db.BundleSubscription, error) {
	defer s.lock()()
	return sorted(s.st.bundles, func(b db.BundleSubscription) bool { return b.UserID == userID }), nil
}

func (s *MemStore) ListExpiredActiveBundles(ctx context.Context, at time.Time) ([]db.BundleSubscription, error) {
	defer s.lock()()
	return sorted(s.st.bundles, func(b db.BundleSubscription) bool { return b.IsActive && b.ExpiresAt.Before(at) }), nil
}

func (s *MemStore) CountActiveBundleItems(ctx context.Context, serverID uint, at time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for _, it := range s.st.items {
		b, ok := s.st.bundles[it.BundleSubscriptionID]
		if ok && it.ServerID == serverID && b.IsActive && b.ExpiresAt.After(at) {
			n++
		}
	}
	return n, nil
}

// --- рефералы ---

func (s *MemStore) GetActiveReferralConfig(ctx context.Context) (*db.ReferralConfig, error) {
	defer s.lock()()
	for _, c := range s.st.refCfgs {
		if c.IsActive {
			c := c
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) ActivateReferralConfig(ctx context.Context, percent decimal.Decimal) (*db.ReferralConfig, error) {
	defer s.lock()()
	for id, c := range s.st.refCfgs {
		c.IsActive = false
		s.st.refCfgs[id] = c
	}
	c := db.ReferralConfig{ID: s.st.next(), Percent: percent, IsActive: true, CreatedAt: now()}
	s.st.refCfgs[c.ID] = c
	return &c, nil
}

func (s *MemStore) CreateReferralEarning(ctx context.Context, e *db.ReferralEarning) error {
	defer s.lock()()
	for _, ex := range s.st.earnings {
		if ex.OrderID == e.OrderID {
			return db.ErrDuplicate
		}
	}
	e.ID = s.st.next()
	e.CreatedAt = now()
	s.st.earnings[e.ID] = *e
	return nil
}

func (s *MemStore) SumReferralEarnings(ctx context.Context, referrerID uint) (decimal.Decimal, error) {
	defer s.lock()()
	sum := decimal.Zero
	for _, e := range s.st.earnings {
		if e.ReferrerID == referrerID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// --- бесплатные дни ---

func (s *MemStore) LockFreeDays(ctx context.Context, userID uint) (*db.UserFreeDaysBalance, error) {
	defer s.lock()()
	b, ok := s.st.freeDays[userID]
	if !ok {
		b = db.UserFreeDaysBalance{UserID: userID, UpdatedAt: now()}
		s.st.freeDays[userID] = b
	}
	return &b, nil
}

func (s *MemStore) SaveFreeDays(ctx context.Context, b *db.UserFreeDaysBalance) error {
	defer s.lock()()
	b.UpdatedAt = now()
	s.st.freeDays[b.UserID] = *b
	return nil
}

func (s *MemStore) AddRewardOp(ctx context.Context, op *db.UserRewardOp) error {
	defer s.lock()()
	op.ID = s.st.next()
	op.CreatedAt = now()
	s.st.rewardOps[op.ID] = *op
	return nil
}

func (s *MemStore) ListRewardOps(ctx context.Context, userID uint, limit int) ([]db.UserRewardOp, error) {
	defer s.lock()()
	all := sorted(s.st.rewardOps, func(op db.UserRewardOp) bool { return op.UserID == userID })
	out := make([]db.UserRewardOp, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemStore) ListUnmigratedRewards(ctx context.Context, userID uint) ([]db.UserReward, error) {
	defer s.lock()()
	return sorted(s.st.rewards, func(r db.UserReward) bool {
		return r.UserID == userID && !r.IsActivated && !r.Migrated
	}), nil
}

func (s *MemStore) SaveReward(ctx context.Context, r *db.UserReward) error {
	defer s.lock()()
	s.st.rewards[r.ID] = *r
	return nil
}

func (s *MemStore) LockCheckin(ctx context.Context, userID uint) (*db.UserCheckin, error) {
	defer s.lock()()
	c, ok := s.st.checkins[userID]
	if !ok {
		c = db.UserCheckin{UserID: userID}
		s.st.checkins[userID] = c
	}
	return &c, nil
}

func (s *MemStore) SaveCheckin(ctx context.Context, c *db.UserCheckin) error {
	defer s.lock()()
	s.st.checkins[c.UserID] = *c
	return nil
}

func (s *MemStore) CreateUserTask(ctx context.Context, t *db.UserTask) error {
	defer s.lock()()
	for _, ex := range s.st.tasks {
		if ex.UserID == t.UserID && ex.TaskKey == t.TaskKey {
			return db.ErrDuplicate
		}
	}
	t.ID = s.st.next()
	t.CreatedAt = now()
	s.st.tasks[t.ID] = *t
	return nil
}

func (s *MemStore) ListUserTasks(ctx context.Context, userID uint) ([]db.UserTask, error) {
	defer s.lock()()
	return sorted(s.st.tasks, func(t db.UserTask) bool { return t.UserID == userID }), nil
}

// --- промокоды ---

func (s *MemStore) LockPromoCode(ctx context.Context, code string) (*db.PromoCode, error) {
	defer s.lock()()
	for _, p := range s.st.promos {
		if p.Code == code {
			p := p
			return &p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) SavePromoCode(ctx context.Context, p *db.PromoCode) error {
	defer s.lock()()
	s.st.promos[p.ID] = *p
	return nil
}

func (s *MemStore) HasPromoUsage(ctx context.Context, promoID, userID uint) (bool, error) {
	defer s.lock()()
	for _, u := range s.st.usages {
		if u.PromoCodeID == promoID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CreatePromoUsage(ctx context.Context, u *db.PromoCodeUsage) error {
	defer s.lock()()
	for _, ex := range s.st.usages {
		if ex.PromoCodeID == u.PromoCodeID && ex.UserID == u.UserID {
			return db.ErrDuplicate
		}
	}
	u.ID = s.st.next()
	u.CreatedAt = now()
	s.st.usages[u.ID] = *u
	return nil
}
