package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fundarb/internal/domain/model"
)

// AccountMode 账户类型
type AccountMode string

const (
	AccountStandard        AccountMode = "standard"
	AccountPortfolioMargin AccountMode = "portfolio_margin"
)

// DefaultModeTTL 账户类型探测结果缓存时间
const DefaultModeTTL = 3 * time.Minute

type modeEntry struct {
	mode      AccountMode
	expiresAt time.Time
}

// AccountModeCache 按 (交易所, API Key 前缀) 缓存账户类型探测结果
// 同一 key 的并发探测只发起一次
type AccountModeCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]modeEntry
}

// NewAccountModeCache 创建缓存，ttl<=0 使用默认 3 分钟
func NewAccountModeCache(ttl time.Duration) *AccountModeCache {
	if ttl <= 0 {
		ttl = DefaultModeTTL
	}
	return &AccountModeCache{ttl: ttl, now: time.Now, entries: make(map[string]modeEntry)}
}

func modeKey(exchange model.ExchangeID, keyPrefix string) string {
	return string(exchange) + ":" + keyPrefix
}

// Get 命中缓存直接返回，否则调用 detect 并缓存成功结果
func (c *AccountModeCache) Get(ctx context.Context, exchange model.ExchangeID, keyPrefix string, detect func(context.Context) (AccountMode, error)) (AccountMode, error) {
	key := modeKey(exchange, keyPrefix)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.mode, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		mode, err := detect(ctx)
		if err != nil {
			return AccountStandard, err
		}
		c.mu.Lock()
		c.entries[key] = modeEntry{mode: mode, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return mode, nil
	})
	return v.(AccountMode), err
}

// Invalidate 删除单个缓存项
func (c *AccountModeCache) Invalidate(exchange model.ExchangeID, keyPrefix string) {
	c.mu.Lock()
	delete(c.entries, modeKey(exchange, keyPrefix))
	c.mu.Unlock()
}

// Reset 清空缓存
func (c *AccountModeCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]modeEntry)
	c.mu.Unlock()
}
