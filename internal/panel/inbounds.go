package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/logger"
)

func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var raw []rawInbound
	if err := c.call(ctx, "list", http.MethodPost, c.apiPath+"/list", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Inbound, 0, len(raw))
	for _, r := range raw {
		in, err := r.decode()
		if err != nil {
			return nil, fmt.Errorf("panel list: inbound %d: %w", r.ID, err)
		}
		out = append(out, *in)
	}
	return out, nil
}

func (c *Client) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	var raw rawInbound
	if err := c.call(ctx, "get", http.MethodGet, fmt.Sprintf("%s/get/%d", c.apiPath, id), nil, &raw); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: id %d", ErrInboundNotFound, id)
		}
		return nil, err
	}
	return raw.decode()
}

// FindInboundByPort ищет инбаунд, слушающий порт сервера
func (c *Client) FindInboundByPort(ctx context.Context, port int) (*Inbound, error) {
	list, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Port == port {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("%w: port %d", ErrInboundNotFound, port)
}

func (c *Client) ListClients(ctx context.Context, inboundID int) ([]InboundClient, error) {
	in, err := c.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	return in.Settings.Clients, nil
}

// AddClient создаёт клиента со сроком now+days. Flow берётся у существующих
// клиентов инбаунда: для reality это обычно xtls-rprx-vision
func (c *Client) AddClient(ctx context.Context, in *Inbound, email string, days int, subID string) (*InboundClient, error) {
	client := InboundClient{
		ID:         newUUID(),
		Email:      email,
		Enable:     true,
		ExpiryTime: NextExpiry(time.Time{}, c.now(), days).UnixMilli(),
		SubID:      subID,
		Flow:       inheritFlow(in),
	}
	if err := c.addClient(ctx, in.ID, client); err != nil {
		return nil, err
	}
	return &client, nil
}

func (c *Client) addClient(ctx context.Context, inboundID int, client InboundClient) error {
	body, err := newClientPayload(inboundID, client)
	if err != nil {
		return err
	}
	return c.call(ctx, "addClient", http.MethodPost, c.apiPath+"/addClient", body, nil)
}

// UpdateClient заменяет клиента целиком по его UUID
func (c *Client) UpdateClient(ctx context.Context, inboundID int, client InboundClient) error {
	body, err := newClientPayload(inboundID, client)
	if err != nil {
		return err
	}
	return c.call(ctx, "updateClient", http.MethodPost, c.apiPath+"/updateClient/"+client.ID, body, nil)
}

func (c *Client) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	return c.call(ctx, "delClient", http.MethodPost, fmt.Sprintf("%s/%d/delClient/%s", c.apiPath, inboundID, clientID), nil, nil)
}

// ExtendClient продлевает клиента на days от max(текущий срок, сейчас).
// Если панель не знает updateClient (404) и разрешён fallback, удаляет
// и создаёт клиента заново с тем же UUID
func (c *Client) ExtendClient(ctx context.Context, inboundID int, email string, days int) (*InboundClient, error) {
	in, err := c.GetInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	current, ok := in.FindClient(email)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, email)
	}
	updated := *current
	updated.ExpiryTime = NextExpiry(current.Expiry(), c.now(), days).UnixMilli()
	updated.Enable = true

	err = c.UpdateClient(ctx, inboundID, updated)
	var se *StatusError
	if err != nil && errors.As(err, &se) && se.Code == http.StatusNotFound && c.allowRecreate {
		logger.Warn("updateClient unsupported, recreating client",
			zap.String("panel", c.baseURL), zap.String("email", email))
		if err := c.DeleteClient(ctx, inboundID, updated.ID); err != nil {
			return nil, err
		}
		if err := c.addClient(ctx, inboundID, updated); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRecreateIncomplete, email, err)
		}
		return &updated, nil
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RemoveClient удаляет клиента по email
func (c *Client) RemoveClient(ctx context.Context, inboundID int, email string) error {
	in, err := c.GetInbound(ctx, inboundID)
	if err != nil {
		return err
	}
	client, ok := in.FindClient(email)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, email)
	}
	return c.DeleteClient(ctx, inboundID, client.ID)
}

func inheritFlow(in *Inbound) string {
	if in == nil || in.Protocol != "vless" {
		return ""
	}
	for _, cl := range in.Settings.Clients {
		if cl.Flow != "" {
			return cl.Flow
		}
	}
	if in.Stream.Security == "reality" && in.Stream.Network == "tcp" {
		return "xtls-rprx-vision"
	}
	return ""
}
