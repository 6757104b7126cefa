package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange"
)

type clientKey struct {
	userID   string
	exchange model.ExchangeID
}

type cachedClient struct {
	keyPrefix string
	client    port.TradingClient
}

// ExchangeFactory 按交易所名称构造交易客户端、私有流和资金费率源
// 交易客户端按 (用户, 交易所) 缓存，凭证变化后重建
type ExchangeFactory struct {
	opts  map[model.ExchangeID]exchange.Options
	creds port.CredentialStore
	modes *exchange.AccountModeCache

	mu      sync.Mutex
	clients map[clientKey]cachedClient
}

// NewExchangeFactory 从配置创建工厂
func NewExchangeFactory(cfg *config.Config, creds port.CredentialStore) (*ExchangeFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	modes := exchange.NewAccountModeCache(cfg.WebSocket.ModeCacheTTL())
	opts := BuildOptions(cfg, modes)
	if len(opts) == 0 {
		return nil, fmt.Errorf("no registered exchange enabled")
	}
	for id := range opts {
		log.Info().Str("exchange", string(id)).Msg("✓ exchange registered")
	}
	return newExchangeFactory(opts, creds, modes), nil
}

func newExchangeFactory(opts map[model.ExchangeID]exchange.Options, creds port.CredentialStore, modes *exchange.AccountModeCache) *ExchangeFactory {
	return &ExchangeFactory{
		opts:    opts,
		creds:   creds,
		modes:   modes,
		clients: make(map[clientKey]cachedClient),
	}
}

// Enabled 已启用的交易所（固定顺序）
func (f *ExchangeFactory) Enabled() []model.ExchangeID {
	ids := make([]model.ExchangeID, 0, len(f.opts))
	for id := range f.opts {
		ids = append(ids, id)
	}
	model.SortExchanges(ids)
	return ids
}

func (f *ExchangeFactory) lookup(id model.ExchangeID) (exchange.Constructors, exchange.Options, error) {
	opts, ok := f.opts[id]
	if !ok {
		return exchange.Constructors{}, exchange.Options{}, model.ValidationError(model.CodeInvalidRequest,
			fmt.Sprintf("exchange %s is not enabled", id)).WithDetail("exchange", string(id))
	}
	c, ok := exchange.Lookup(id)
	if !ok {
		return exchange.Constructors{}, exchange.Options{}, fmt.Errorf("exchange %s not registered", id)
	}
	return c, opts, nil
}

// NewStream 创建私有流适配器（websocket.StreamFactory）
func (f *ExchangeFactory) NewStream(id model.ExchangeID) (port.PrivateStream, error) {
	c, opts, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.NewStream(opts), nil
}

// TradingClient 获取用户在某交易所的交易客户端
func (f *ExchangeFactory) TradingClient(ctx context.Context, userID string, id model.ExchangeID) (port.TradingClient, error) {
	c, opts, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	cred, err := f.creds.GetDecryptedAPIKey(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	key := clientKey{userID: userID, exchange: id}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.clients[key]; ok && cached.keyPrefix == cred.KeyPrefix() {
		return cached.client, nil
	}
	client, err := c.NewTrading(opts, cred)
	if err != nil {
		return nil, fmt.Errorf("create %s trading client: %w", id, err)
	}
	f.clients[key] = cachedClient{keyPrefix: cred.KeyPrefix(), client: client}
	return client, nil
}

// Invalidate 丢弃缓存的交易客户端及其账户类型探测结果
func (f *ExchangeFactory) Invalidate(userID string, id model.ExchangeID) {
	f.mu.Lock()
	cached, ok := f.clients[clientKey{userID: userID, exchange: id}]
	delete(f.clients, clientKey{userID: userID, exchange: id})
	f.mu.Unlock()
	if ok && f.modes != nil {
		f.modes.Invalidate(id, cached.keyPrefix)
	}
}

// Reset 清空全部缓存
func (f *ExchangeFactory) Reset() {
	f.mu.Lock()
	f.clients = make(map[clientKey]cachedClient)
	f.mu.Unlock()
	if f.modes != nil {
		f.modes.Reset()
	}
}
