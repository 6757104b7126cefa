package exchange

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/websocket"
)

// Options 构造交易所客户端所需的配置
type Options struct {
	RESTURL      string
	PortfolioURL string // Binance 统一账户
	WSURL        string
	PublicWSURL  string // 公共行情推送
	RateLimitRPS float64
	Runner       websocket.RunnerConfig
	Session      websocket.SessionConfig
	ModeCache    *AccountModeCache // 仅 Binance 使用
}

// Constructors 单个交易所的构造函数集合
type Constructors struct {
	NewTrading func(opts Options, cred model.Credential) (port.TradingClient, error)
	NewStream  func(opts Options) port.PrivateStream
	NewFunding func(opts Options) port.FundingSource
	// NewFundingStream 可选：未提供推送的交易所只走 REST 轮询
	NewFundingStream func(opts Options) port.FundingStream
}

var (
	registryMu sync.RWMutex
	registry   = make(map[model.ExchangeID]Constructors)
)

// Register 注册交易所构造函数（由各交易所包的 init() 调用）
func Register(id model.ExchangeID, c Constructors) {
	if c.NewTrading == nil || c.NewStream == nil || c.NewFunding == nil {
		log.Warn().Str("exchange", string(id)).Msg("incomplete exchange constructors")
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[id]; exists {
		log.Warn().Str("exchange", string(id)).Msg("exchange already registered, overwriting")
	}
	registry[id] = c
}

// Lookup 获取已注册的交易所
func Lookup(id model.ExchangeID) (Constructors, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[id]
	return c, ok
}

// Registered 已注册交易所（固定顺序）
func Registered() []model.ExchangeID {
	registryMu.RLock()
	ids := make([]model.ExchangeID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	registryMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	model.SortExchanges(ids)
	return ids
}
