package memory

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/application/port"
)

type lockEntry struct {
	token    string
	deadline time.Time
}

// Locker 单进程锁，语义与 redis 实现一致：带过期时间，只有持有者能释放
type Locker struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]lockEntry
}

func NewLocker() *Locker {
	return &Locker{now: time.Now, locks: make(map[string]lockEntry)}
}

func (l *Locker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.deadline) {
		return false, nil
	}
	l.locks[key] = lockEntry{token: token, deadline: now.Add(ttl)}
	return true, nil
}

func (l *Locker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(l.locks, key)
	return l.now().Before(e.deadline), nil
}

var _ port.Locker = (*Locker)(nil)
