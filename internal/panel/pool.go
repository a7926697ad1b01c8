package panel

import "sync"

// Pool держит по одному клиенту на сервер, чтобы сессии панелей переиспользовались
type Pool struct {
	mu      sync.Mutex
	clients map[uint]*poolEntry
	opts    []Option
}

type poolEntry struct {
	url, user, pass string
	client          *Client
}

func NewPool(opts ...Option) *Pool {
	return &Pool{clients: make(map[uint]*poolEntry), opts: opts}
}

// For возвращает клиента панели сервера; смена реквизитов пересоздаёт клиента
func (p *Pool) For(serverID uint, baseURL, user, pass string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.clients[serverID]; ok && e.url == baseURL && e.user == user && e.pass == pass {
		return e.client
	}
	c := NewClient(baseURL, user, pass, p.opts...)
	p.clients[serverID] = &poolEntry{url: baseURL, user: user, pass: pass, client: c}
	return c
}
