// Package panel реализует клиент REST API панели 3x-ui.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
)

var (
	ErrAuth            = errors.New("panel authentication failed")
	ErrInboundNotFound = errors.New("INBOUND_NOT_FOUND")
	ErrClientNotFound  = errors.New("CLIENT_NOT_FOUND")
	// ErrRecreateIncomplete — клиент удалён, а повторно не создан
	ErrRecreateIncomplete = errors.New("client removed but not recreated")

	errSessionExpired = errors.New("panel session expired")
)

// StatusError — панель ответила неожиданным HTTP-статусом
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("panel %s: http %d", e.Op, e.Code)
}

// APIError: панель ответила success=false
type APIError struct {
	Op  string
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel %s: %s", e.Op, e.Msg)
}

type Client struct {
	baseURL       string
	apiPath       string
	username      string
	password      string
	http          *http.Client
	allowRecreate bool
	now           func() time.Time

	mu       sync.Mutex
	loggedIn bool
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithAPIPath задаёт префикс API инбаундов: "/xui/inbound" у старых сборок, "/panel/api/inbounds" у новых
func WithAPIPath(p string) Option {
	return func(c *Client) { c.apiPath = "/" + strings.Trim(p, "/") }
}

// WithRecreateFallback разрешает продление через удаление и повторное создание,
// если панель не поддерживает updateClient
func WithRecreateFallback(allow bool) Option {
	return func(c *Client) { c.allowRecreate = allow }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL, username, password string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiPath:  "/xui/inbound",
		username: username,
		password: password,
		http:     &http.Client{Timeout: 15 * time.Second, Jar: jar},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureSession логинится один раз и запоминает сессию
func (c *Client) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.login(ctx); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.PanelRequests.WithLabelValues("login", "error").Inc()
		return fmt.Errorf("panel login: %w", err)
	}
	defer resp.Body.Close()
	var env envelope
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&env) != nil || !env.Success {
		metrics.PanelRequests.WithLabelValues("login", "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrAuth, env.Msg)
	}
	metrics.PanelRequests.WithLabelValues("login", "ok").Inc()
	return nil
}

// call выполняет запрос с сессией; если панель сессию не признала —
// перелогинивается и повторяет запрос ровно один раз
func (c *Client) call(ctx context.Context, op, method, path string, payload, out interface{}) error {
	start := time.Now()
	defer func() { metrics.PanelDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	if err := c.EnsureSession(ctx); err != nil {
		return err
	}
	err := c.doOnce(ctx, op, method, path, payload, out)
	if errors.Is(err, errSessionExpired) {
		logger.Info("panel session expired, logging in again", zap.String("panel", c.baseURL), zap.String("op", op))
		c.invalidate()
		if err := c.EnsureSession(ctx); err != nil {
			return err
		}
		err = c.doOnce(ctx, op, method, path, payload, out)
		if errors.Is(err, errSessionExpired) {
			err = fmt.Errorf("%w: session rejected right after login", ErrAuth)
		}
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PanelRequests.WithLabelValues(op, result).Inc()
	return err
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("panel %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errSessionExpired
	case http.StatusOK:
	default:
		return &StatusError{Op: op, Code: resp.StatusCode}
	}
	// без сессии панель отдаёт HTML страницу логина
	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == "text/html" {
		return errSessionExpired
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errSessionExpired
	}
	if !env.Success {
		return &APIError{Op: op, Msg: env.Msg}
	}
	if out != nil && len(env.Obj) > 0 {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return fmt.Errorf("panel %s: decode: %w", op, err)
		}
	}
	return nil
}

// Ping проверяет, что панель жива и принимает наши учётные данные
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListInbounds(ctx)
	return err
}
