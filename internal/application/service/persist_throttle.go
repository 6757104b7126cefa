package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPersistInterval 每个键最多每秒写一次
const DefaultPersistInterval = time.Second

// PersistThrottle 按键节流写库：窗口内只保留最后一次写入，在窗口结束时执行
type PersistThrottle struct {
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]func(context.Context) error
	timers  map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

func NewPersistThrottle(interval time.Duration) *PersistThrottle {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &PersistThrottle{
		interval: interval,
		timeout:  5 * time.Second,
		pending:  make(map[string]func(context.Context) error),
		timers:   make(map[string]*time.Timer),
	}
}

// Submit 提交写操作，覆盖同一键上尚未执行的写操作
func (t *PersistThrottle) Submit(key string, op func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending[key] = op
	if _, armed := t.timers[key]; armed {
		return
	}
	t.wg.Add(1)
	t.timers[key] = time.AfterFunc(t.interval, func() {
		defer t.wg.Done()
		t.fire(key)
	})
}

func (t *PersistThrottle) fire(key string) {
	t.mu.Lock()
	op := t.pending[key]
	delete(t.pending, key)
	delete(t.timers, key)
	t.mu.Unlock()
	if op != nil {
		t.run(key, op)
	}
}

func (t *PersistThrottle) run(key string, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := op(ctx); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("persist failed")
	}
}

// Pending 尚未落库的键数量
func (t *PersistThrottle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush 立即执行全部待写操作并停止接收新的写入
func (t *PersistThrottle) Flush() {
	t.mu.Lock()
	t.closed = true
	ops := t.pending
	t.pending = make(map[string]func(context.Context) error)
	for key, timer := range t.timers {
		if timer.Stop() {
			t.wg.Done()
		}
		delete(t.timers, key)
	}
	t.mu.Unlock()

	for key, op := range ops {
		t.run(key, op)
	}
	t.wg.Wait()
}
