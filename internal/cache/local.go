package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLimiter — лимитер в памяти процесса, когда Redis не настроен
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= win {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

// LocalLocker: блокировки в памяти процесса; ttl не используется
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
		}
	}
}
