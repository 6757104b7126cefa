package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ========== Funding Rate Models ==========

// NormalizedFundingRate 交易所推送或拉取的资金费率
// FundingRate 始终按交易所原生结算周期表示，周期换算只在 RateEngine 中进行
type NormalizedFundingRate struct {
	Exchange        ExchangeID      `json:"exchange"`
	Symbol          string          `json:"symbol"` // 统一格式，如 BTCUSDT
	FundingRate     decimal.Decimal `json:"funding_rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IntervalHours   int             `json:"interval_hours"` // 原生结算周期（小时），0 表示未知
	NextFundingTime *time.Time      `json:"next_funding_time,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// TimeBasis 目标换算周期（小时）
type TimeBasis int

const (
	Basis1h  TimeBasis = 1
	Basis4h  TimeBasis = 4
	Basis8h  TimeBasis = 8
	Basis24h TimeBasis = 24
)

// Valid 仅支持 1/4/8/24
func (b TimeBasis) Valid() bool {
	switch b {
	case Basis1h, Basis4h, Basis8h, Basis24h:
		return true
	}
	return false
}

// RateData 单个交易所在某币种上的费率输入
type RateData struct {
	FundingRate     float64   `json:"funding_rate"`
	Price           float64   `json:"price"`                // 0 表示未知
	Interval        int       `json:"interval"`             // 原生结算周期（小时），0 表示未知
	Normalized      *float64  `json:"normalized,omitempty"` // 预先换算好的值
	NormalizedBasis TimeBasis `json:"normalized_basis,omitempty"`
}

// FromNormalized 从 NormalizedFundingRate 构造 RateData
func FromNormalized(r NormalizedFundingRate) RateData {
	return RateData{
		FundingRate: r.FundingRate.InexactFloat64(),
		Price:       r.MarkPrice.InexactFloat64(),
		Interval:    r.IntervalHours,
	}
}

// BestArbitragePair 最优套利组合（不可变值，每次计算重新生成）
type BestArbitragePair struct {
	LongExchange     ExchangeID `json:"long_exchange"`  // 费率较低的一方
	ShortExchange    ExchangeID `json:"short_exchange"` // 费率较高的一方
	LongRate         float64    `json:"long_rate"`
	ShortRate        float64    `json:"short_rate"`
	Spread           float64    `json:"spread"`         // 换算后的费率差
	SpreadPercent    float64    `json:"spread_percent"` // spread * 100
	AnnualizedReturn float64    `json:"annualized_return"`
	PriceDiffPercent *float64   `json:"price_diff_percent"` // 价格未知时为 nil
}

// MarketStatus 机会状态
type MarketStatus string

const (
	StatusOpportunity MarketStatus = "opportunity"
	StatusApproaching MarketStatus = "approaching"
	StatusNormal      MarketStatus = "normal"
)

// MarketRate 单个币种的跨所费率视图
type MarketRate struct {
	Symbol    string                  `json:"symbol"`
	Basis     TimeBasis               `json:"basis"`
	Exchanges map[ExchangeID]RateData `json:"exchanges"`
	BestPair  *BestArbitragePair      `json:"best_pair"`
	Status    MarketStatus            `json:"status"`
	Payback   *Payback                `json:"payback,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// PaybackKind 回本分类
type PaybackKind string

const (
	PaybackFavorable  PaybackKind = "favorable"      // 价差有利，无需回本
	PaybackImpossible PaybackKind = "impossible"     // 费率差 <= 0
	PaybackNeeded     PaybackKind = "payback_needed" // 需要若干期回本
	PaybackTooMany    PaybackKind = "too_many"       // 回本期数过多，高风险
)

// Payback 回本测算结果
type Payback struct {
	Kind    PaybackKind `json:"kind"`
	Periods float64     `json:"periods,omitempty"`
}
