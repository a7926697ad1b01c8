package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/panel"
)

const provisionLockTTL = 30 * time.Second

// Provisioner превращает «выдать N дней на сервере S» в вызовы панели и
// возвращает несохранённые строки реестра. В БД он ничего не пишет
type Provisioner struct {
	panels PanelProvider
	locker cache.Locker
	brand  string
	now    func() time.Time
}

func NewProvisioner(panels PanelProvider, locker cache.Locker, opts Options) *Provisioner {
	opts = opts.withDefaults()
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	return &Provisioner{panels: panels, locker: locker, brand: opts.Brand, now: opts.Now}
}

// Apply создаёт клиента, если existing == nil, иначе продлевает existing.
// Общая точка для оплаченных заказов и активации бесплатных дней
func (p *Provisioner) Apply(ctx context.Context, user *db.User, srv *db.Server, existing *db.VPNSubscription, days int) (*db.VPNSubscription, error) {
	if existing == nil {
		return p.Create(ctx, user, srv, days)
	}
	return p.Extend(ctx, existing, srv, days)
}

func (p *Provisioner) Create(ctx context.Context, user *db.User, srv *db.Server, days int) (*db.VPNSubscription, error) {
	api := p.panels(srv)
	in, err := api.FindInboundByPort(ctx, srv.InboundPort)
	if err != nil {
		return nil, err
	}

	// номер клиента выбирается под блокировкой (пользователь, сервер)
	release, err := p.locker.Lock(ctx, fmt.Sprintf("provision:%d:%d", user.ID, srv.ID), provisionLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	email, err := p.nextEmail(ctx, api, in.ID, user, srv)
	if err != nil {
		return nil, err
	}
	subID := newSubID()
	client, err := api.AddClient(ctx, in, email, days, subID)
	if err != nil {
		return nil, err
	}
	access, err := panel.BuildAccess(linkTarget(srv), in, client)
	if err != nil {
		// клиент уже создан, без ссылки пользователь его не увидит
		logger.Warn("build access link failed", zap.Uint("server", srv.ID), zap.Error(err))
	}

	now := p.now()
	return &db.VPNSubscription{
		UserID:      user.ID,
		ServerID:    srv.ID,
		Provider:    "xui",
		ClientEmail: client.Email,
		ClientUUID:  client.ID,
		SubID:       client.SubID,
		AccessData:  access,
		CreatedAt:   now,
		ExpiresAt:   panel.NextExpiry(time.Time{}, now, days),
		IsActive:    true,
		Status:      db.SubActive,
	}, nil
}

// Extend продлевает клиента на панели и возвращает обновлённую копию подписки.
// Новый срок считается от max(expires_at, now)
func (p *Provisioner) Extend(ctx context.Context, sub *db.VPNSubscription, srv *db.Server, days int) (*db.VPNSubscription, error) {
	client, in, err := p.extendOrRecreate(ctx, srv, sub.ClientEmail, sub.SubID, days)
	if err != nil {
		return nil, err
	}
	out := *sub
	if client != nil {
		out.ClientUUID = client.ID
		if access, err := panel.BuildAccess(linkTarget(srv), in, client); err == nil {
			out.AccessData = access
		}
	}
	out.ExpiresAt = panel.NextExpiry(sub.ExpiresAt, p.now(), days)
	out.IsActive = true
	out.Status = db.SubActive
	out.NotifiedExpiring = false
	return &out, nil
}

// extendOrRecreate продлевает клиента, а если его уже убрала очистка
// истёкших, заводит заново с тем же email и sub_id. client != nil только
// для пересозданного клиента
func (p *Provisioner) extendOrRecreate(ctx context.Context, srv *db.Server, email, subID string, days int) (*panel.InboundClient, *panel.Inbound, error) {
	api := p.panels(srv)
	in, err := api.FindInboundByPort(ctx, srv.InboundPort)
	if err != nil {
		return nil, nil, err
	}
	if _, err := api.ExtendClient(ctx, in.ID, email, days); err != nil {
		if !errors.Is(err, panel.ErrClientNotFound) {
			return nil, nil, err
		}
		client, err := api.AddClient(ctx, in, email, days, subID)
		if err != nil {
			return nil, nil, err
		}
		return client, in, nil
	}
	return nil, in, nil
}

// Remove удаляет клиента подписки с панели
func (p *Provisioner) Remove(ctx context.Context, srv *db.Server, email string) error {
	api := p.panels(srv)
	in, err := api.FindInboundByPort(ctx, srv.InboundPort)
	if err != nil {
		return err
	}
	return api.RemoveClient(ctx, in.ID, email)
}

// CreateBundle выдаёт доступ на каждом сервере пакета. При сбое на одном из
// серверов уже созданные клиенты удаляются
func (p *Provisioner) CreateBundle(ctx context.Context, user *db.User, servers []db.Server, days int) ([]db.BundleSubscriptionItem, time.Time, error) {
	if len(servers) == 0 {
		return nil, time.Time{}, fmt.Errorf("bundle has no servers")
	}
	items := make([]db.BundleSubscriptionItem, 0, len(servers))
	for i := range servers {
		srv := &servers[i]
		sub, err := p.Create(ctx, user, srv, days)
		if err != nil {
			p.rollbackBundle(ctx, servers, items)
			return nil, time.Time{}, fmt.Errorf("server %d: %w", srv.ID, err)
		}
		items = append(items, db.BundleSubscriptionItem{
			ServerID:    srv.ID,
			ClientEmail: sub.ClientEmail,
			ClientUUID:  sub.ClientUUID,
			SubID:       sub.SubID,
			AccessData:  sub.AccessData,
		})
	}
	return items, panel.NextExpiry(time.Time{}, p.now(), days), nil
}

// PartialGrantError: продление пакета прервалось, когда часть серверов уже
// продлена. Applied: сколько серверов успели продлить
type PartialGrantError struct {
	Applied int
	Err     error
}

func (e *PartialGrantError) Error() string { return e.Err.Error() }

func (e *PartialGrantError) Unwrap() error { return e.Err }

// ExtendBundle продлевает всех клиентов пакета. Клиентов, убранных очисткой
// истёкших, заводит заново; такие элементы возвращаются с новыми
// ClientUUID и AccessData. Уже продлённые при ошибке не откатываются
func (p *Provisioner) ExtendBundle(ctx context.Context, b *db.BundleSubscription, items []db.BundleSubscriptionItem, servers map[uint]*db.Server, days int) ([]db.BundleSubscriptionItem, time.Time, error) {
	var changed []db.BundleSubscriptionItem
	for i, it := range items {
		srv, ok := servers[it.ServerID]
		if !ok {
			return nil, time.Time{}, partial(i, fmt.Errorf("bundle item %d: server %d not found", it.ID, it.ServerID))
		}
		client, in, err := p.extendOrRecreate(ctx, srv, it.ClientEmail, it.SubID, days)
		if err != nil {
			return nil, time.Time{}, partial(i, fmt.Errorf("server %d: %w", srv.ID, err))
		}
		if client == nil {
			continue
		}
		it.ClientUUID = client.ID
		if access, err := panel.BuildAccess(linkTarget(srv), in, client); err == nil {
			it.AccessData = access
		}
		changed = append(changed, it)
	}
	return changed, panel.NextExpiry(b.ExpiresAt, p.now(), days), nil
}

func partial(applied int, err error) error {
	if applied == 0 {
		return err
	}
	return &PartialGrantError{Applied: applied, Err: err}
}

func (p *Provisioner) rollbackBundle(ctx context.Context, servers []db.Server, items []db.BundleSubscriptionItem) {
	for _, it := range items {
		for i := range servers {
			if servers[i].ID != it.ServerID {
				continue
			}
			if err := p.Remove(ctx, &servers[i], it.ClientEmail); err != nil {
				logger.Error("bundle rollback: remove client failed",
					zap.Uint("server", it.ServerID), zap.String("email", it.ClientEmail), zap.Error(err))
			}
		}
	}
}

// nextEmail: <cc>-<userid>-<seq>@<brand>, seq = max+1 среди клиентов инбаунда
func (p *Provisioner) nextEmail(ctx context.Context, api PanelAPI, inboundID int, user *db.User, srv *db.Server) (string, error) {
	clients, err := api.ListClients(ctx, inboundID)
	if err != nil {
		return "", err
	}
	prefix := fmt.Sprintf("%s-%d-", countryCode(srv), user.ID)
	suffix := "@" + p.brand
	maxSeq := 0
	for _, c := range clients {
		if !strings.HasPrefix(c.Email, prefix) || !strings.HasSuffix(c.Email, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(c.Email, prefix), suffix))
		if err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	return prefix + strconv.Itoa(maxSeq+1) + suffix, nil
}

func countryCode(srv *db.Server) string {
	if srv.Country != nil && srv.Country.Code != "" {
		return strings.ToLower(srv.Country.Code)
	}
	return "xx"
}

func linkTarget(srv *db.Server) panel.LinkTarget {
	return panel.LinkTarget{Host: srv.IP, SubScheme: srv.SubScheme, SubHost: srv.SubHost, SubPort: srv.SubPort}
}

func newSubID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
