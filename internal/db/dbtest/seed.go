package dbtest

import (
	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
)

// Наполнение и инспекция состояния из тестов.

func (s *MemStore) AddUser(u db.User) db.User {
	defer s.lock()()
	u.ID = s.st.next()
	if u.Role == "" {
		u.Role = db.RoleUser
	}
	u.CreatedAt = now()
	s.st.users[u.ID] = u
	return u
}

func (s *MemStore) SetBalance(userID uint, balance decimal.Decimal) db.Wallet {
	defer s.lock()()
	if w, err := s.findWallet(userID); err == nil {
		w.Balance = balance
		s.st.wallets[w.ID] = *w
		return *w
	}
	w := db.Wallet{ID: s.st.next(), UserID: userID, Balance: balance, UpdatedAt: now()}
	s.st.wallets[w.ID] = w
	return w
}

func (s *MemStore) Balance(userID uint) decimal.Decimal {
	defer s.lock()()
	w, err := s.findWallet(userID)
	if err != nil {
		return decimal.Zero
	}
	return w.Balance
}

func (s *MemStore) AddCountry(c db.Country) db.Country {
	defer s.lock()()
	c.ID = s.st.next()
	s.st.countries[c.ID] = c
	return c
}

func (s *MemStore) AddServer(srv db.Server) db.Server {
	defer s.lock()()
	srv.ID = s.st.next()
	s.st.servers[srv.ID] = srv
	return srv
}

func (s *MemStore) Server(id uint) db.Server {
	defer s.lock()()
	return s.st.servers[id]
}

func (s *MemStore) AddTariff(t db.Tariff) db.Tariff {
	defer s.lock()()
	t.ID = s.st.next()
	s.st.tariffs[t.ID] = t
	return t
}

func (s *MemStore) AddBundlePlan(p db.BundlePlan, serverIDs ...uint) db.BundlePlan {
	defer s.lock()()
	p.ID = s.st.next()
	s.st.plans[p.ID] = p
	for _, sid := range serverIDs {
		bs := db.BundleServer{ID: s.st.next(), PlanID: p.ID, ServerID: sid}
		s.st.bundleServers[bs.ID] = bs
	}
	return p
}

func (s *MemStore) AddBundleTariff(t db.BundleTariff) db.BundleTariff {
	defer s.lock()()
	t.ID = s.st.next()
	s.st.bundleTariffs[t.ID] = t
	return t
}

func (s *MemStore) SetRate(pair string, rate decimal.Decimal) {
	defer s.lock()()
	s.st.rates[pair] = db.ExchangeRate{ID: s.st.next(), Pair: pair, Rate: rate, UpdatedAt: now()}
}

func (s *MemStore) AddPromo(p db.PromoCode) db.PromoCode {
	defer s.lock()()
	p.ID = s.st.next()
	p.CreatedAt = now()
	s.st.promos[p.ID] = p
	return p
}

func (s *MemStore) AddReward(r db.UserReward) db.UserReward {
	defer s.lock()()
	r.ID = s.st.next()
	r.CreatedAt = now()
	s.st.rewards[r.ID] = r
	return r
}

func (s *MemStore) AddSubscription(sub db.VPNSubscription) db.VPNSubscription {
	defer s.lock()()
	sub.ID = s.st.next()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	s.st.subs[sub.ID] = sub
	return sub
}

func (s *MemStore) AddOrder(o db.Order) db.Order {
	defer s.lock()()
	o.ID = s.st.next()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	s.st.orders[o.ID] = o
	return o
}

func (s *MemStore) Orders() []db.Order {
	defer s.lock()()
	return sorted(s.st.orders, nil)
}

func (s *MemStore) Payments() []db.Payment {
	defer s.lock()()
	return sorted(s.st.payments, nil)
}

func (s *MemStore) Subscriptions() []db.VPNSubscription {
	defer s.lock()()
	return sorted(s.st.subs, nil)
}

func (s *MemStore) Bundles() []db.BundleSubscription {
	defer s.lock()()
	return sorted(s.st.bundles, nil)
}

func (s *MemStore) BundleItems() []db.BundleSubscriptionItem {
	defer s.lock()()
	return sorted(s.st.items, nil)
}

func (s *MemStore) WalletTransactions() []db.WalletTransaction {
	defer s.lock()()
	return sorted(s.st.walletTxs, nil)
}

func (s *MemStore) WalletOperations() []db.WalletOperation {
	defer s.lock()()
	return sorted(s.st.walletOps, nil)
}

func (s *MemStore) Earnings() []db.ReferralEarning {
	defer s.lock()()
	return sorted(s.st.earnings, nil)
}

func (s *MemStore) RewardOps() []db.UserRewardOp {
	defer s.lock()()
	return sorted(s.st.rewardOps, nil)
}

func (s *MemStore) FreeDays(userID uint) int {
	defer s.lock()()
	return s.st.freeDays[userID].Days
}

func (s *MemStore) PromoUsages() []db.PromoCodeUsage {
	defer s.lock()()
	return sorted(s.st.usages, nil)
}

func (s *MemStore) Rewards() []db.UserReward {
	defer s.lock()()
	return sorted(s.st.rewards, nil)
}
