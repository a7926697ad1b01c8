package bot

import (
	"sync"
	"time"
)

// RateLimiter ограничивает частоту команд пользователя в памяти процесса.
// HTTP-маршруты ограничиваются отдельно через cache.Limiter
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
	def      time.Duration
	now      func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"start":         5 * time.Second,
			"subscriptions": 5 * time.Second,
		},
		def: 2 * time.Second,
		now: time.Now,
	}
}

// IsLimited возвращает true, если пользователь вызвал команду раньше допустимого
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[cmd]
	if !ok {
		limit = r.def
	}
	last := r.lastCall[userID][cmd]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][cmd] = now
	return false
}

// Prune забывает вызовы старше самого длинного лимита
func (r *RateLimiter) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxLimit := r.def
	for _, l := range r.limits {
		if l > maxLimit {
			maxLimit = l
		}
	}
	cutoff := r.now().Add(-maxLimit)
	for user, calls := range r.lastCall {
		for cmd, t := range calls {
			if t.Before(cutoff) {
				delete(calls, cmd)
			}
		}
		if len(calls) == 0 {
			delete(r.lastCall, user)
		}
	}
}
