package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
)

type ServerStatus struct {
	ServerID    uint      `json:"server_id"`
	Name        string    `json:"name"`
	IP          string    `json:"ip"`
	Online      bool      `json:"online"`
	Load        int       `json:"load"`
	MaxConn     int       `json:"max_conn"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// HealthService опрашивает панели серверов и помнит последний результат
type HealthService struct {
	store   db.Store
	panels  PanelProvider
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	last []ServerStatus
	down map[uint]bool
}

func NewHealthService(store db.Store, panels PanelProvider, timeout time.Duration, opts Options) *HealthService {
	opts = opts.withDefaults()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthService{store: store, panels: panels, timeout: timeout, now: opts.Now, down: map[uint]bool{}}
}

func (h *HealthService) Statuses() []ServerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ServerStatus, len(h.last))
	copy(out, h.last)
	return out
}

// CheckAll пингует панель каждого сервера. Админ получает сообщение только
// при смене состояния, а не на каждом опросе
func (h *HealthService) CheckAll(ctx context.Context) ([]ServerStatus, error) {
	servers, err := h.store.ListServers(ctx, false)
	if err != nil {
		return nil, err
	}
	statuses := make([]ServerStatus, len(servers))
	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = h.check(ctx, &servers[i])
		}(i)
	}
	wg.Wait()

	h.mu.Lock()
	for _, st := range statuses {
		wasDown := h.down[st.ServerID]
		switch {
		case !st.Online && !wasDown:
			logger.NotifyAdmin(fmt.Sprintf("Сервер %s (%s) недоступен: %s", st.Name, st.IP, st.Error))
		case st.Online && wasDown:
			logger.NotifyAdmin(fmt.Sprintf("Сервер %s (%s) снова доступен", st.Name, st.IP))
		}
		h.down[st.ServerID] = !st.Online
	}
	h.last = statuses
	h.mu.Unlock()
	return statuses, nil
}

func (h *HealthService) check(ctx context.Context, srv *db.Server) ServerStatus {
	st := ServerStatus{
		ServerID:    srv.ID,
		Name:        srv.Name,
		IP:          srv.IP,
		Load:        srv.NowConn,
		MaxConn:     srv.MaxConn,
		LastChecked: h.now(),
	}
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.panels(srv).Ping(cctx); err != nil {
		st.Error = err.Error()
		metrics.ServerUp.WithLabelValues(srv.Name).Set(0)
		logger.Warn("panel health check failed", zap.Uint("server", srv.ID), zap.Error(err))
		return st
	}
	st.Online = true
	metrics.ServerUp.WithLabelValues(srv.Name).Set(1)
	return st
}
