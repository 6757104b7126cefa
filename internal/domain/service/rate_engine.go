package service

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

const hoursPerYear = 365 * 24

// RateEngineConfig 费率引擎参数
type RateEngineConfig struct {
	Basis                model.TimeBasis // 目标换算周期
	OpportunityThreshold float64         // 年化阈值（%），默认 800
	ApproachingRatio     float64         // 接近阈值比例，默认 0.75
	PaybackMaxPeriods    float64         // 回本期数上限，默认 100
}

// DefaultRateEngineConfig 默认参数
func DefaultRateEngineConfig() RateEngineConfig {
	return RateEngineConfig{
		Basis:                model.Basis8h,
		OpportunityThreshold: 800,
		ApproachingRatio:     0.75,
		PaybackMaxPeriods:    100,
	}
}

// RateEngine 跨所资金费率套利计算（无状态，每次计算产生新值）
type RateEngine struct {
	cfg RateEngineConfig
}

// NewRateEngine 创建费率引擎，非法参数回落为默认值
func NewRateEngine(cfg RateEngineConfig) *RateEngine {
	def := DefaultRateEngineConfig()
	if !cfg.Basis.Valid() {
		cfg.Basis = def.Basis
	}
	if cfg.OpportunityThreshold <= 0 {
		cfg.OpportunityThreshold = def.OpportunityThreshold
	}
	if cfg.ApproachingRatio <= 0 || cfg.ApproachingRatio >= 1 {
		cfg.ApproachingRatio = def.ApproachingRatio
	}
	if cfg.PaybackMaxPeriods <= 0 {
		cfg.PaybackMaxPeriods = def.PaybackMaxPeriods
	}
	return &RateEngine{cfg: cfg}
}

// Config 当前参数
func (e *RateEngine) Config() RateEngineConfig { return e.cfg }

// NormalizeRate 将原生周期费率换算到目标周期
//  1. 预计算值的周期等于目标周期且与原生周期不同时，直接使用
//  2. 原生周期等于目标周期时，原值不变
//  3. 原生周期已知时，按 rate * (T / interval) 换算
//  4. 原生周期未知时，记录告警并使用原值
func NormalizeRate(d model.RateData, basis model.TimeBasis) float64 {
	if d.Normalized != nil && d.NormalizedBasis == basis && d.Interval != int(basis) {
		return *d.Normalized
	}
	if d.Interval == int(basis) {
		return d.FundingRate
	}
	if d.Interval > 0 {
		return d.FundingRate * float64(basis) / float64(d.Interval)
	}
	log.Warn().
		Float64("rate", d.FundingRate).
		Int("basis", int(basis)).
		Msg("unknown settlement interval, using raw funding rate")
	return d.FundingRate
}

// AnnualizedReturn 年化收益率（%），与换算周期无关
func AnnualizedReturn(spread float64, basis model.TimeBasis) float64 {
	return spread * (hoursPerYear / float64(basis)) * 100
}

// BestPair 枚举所有交易所两两组合，返回费率差最大的一组
// 枚举顺序：按 model.SortExchanges 的固定顺序，i<j；严格大于比较，相等时保留先出现的组合
func (e *RateEngine) BestPair(exchanges map[model.ExchangeID]model.RateData) *model.BestArbitragePair {
	return bestPair(exchanges, e.cfg.Basis)
}

func bestPair(exchanges map[model.ExchangeID]model.RateData, basis model.TimeBasis) *model.BestArbitragePair {
	if len(exchanges) < 2 {
		return nil
	}

	ids := make([]model.ExchangeID, 0, len(exchanges))
	for id := range exchanges {
		ids = append(ids, id)
	}
	model.SortExchanges(ids)

	normalized := make([]float64, len(ids))
	for i, id := range ids {
		normalized[i] = NormalizeRate(exchanges[id], basis)
	}

	bestI, bestJ := -1, -1
	maxSpread := -1.0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			spread := math.Abs(normalized[i] - normalized[j])
			if spread > maxSpread {
				maxSpread = spread
				bestI, bestJ = i, j
			}
		}
	}

	longIdx, shortIdx := bestI, bestJ
	if normalized[bestJ] < normalized[bestI] {
		longIdx, shortIdx = bestJ, bestI
	}
	longID, shortID := ids[longIdx], ids[shortIdx]

	pair := &model.BestArbitragePair{
		LongExchange:     longID,
		ShortExchange:    shortID,
		LongRate:         normalized[longIdx],
		ShortRate:        normalized[shortIdx],
		Spread:           maxSpread,
		SpreadPercent:    maxSpread * 100,
		AnnualizedReturn: AnnualizedReturn(maxSpread, basis),
	}

	longPrice, shortPrice := exchanges[longID].Price, exchanges[shortID].Price
	if longPrice > 0 && shortPrice > 0 {
		pd := PriceDiffPercent(longPrice, shortPrice)
		pair.PriceDiffPercent = &pd
	}
	return pair
}

// PriceDiffPercent (short - long) / avg * 100
func PriceDiffPercent(longPrice, shortPrice float64) float64 {
	avg := (longPrice + shortPrice) / 2
	if avg == 0 {
		return 0
	}
	return (shortPrice - longPrice) / avg * 100
}

// Classify 根据年化收益分类
func (e *RateEngine) Classify(pair *model.BestArbitragePair) model.MarketStatus {
	if pair == nil {
		return model.StatusNormal
	}
	switch {
	case pair.AnnualizedReturn >= e.cfg.OpportunityThreshold:
		return model.StatusOpportunity
	case pair.AnnualizedReturn >= e.cfg.OpportunityThreshold*e.cfg.ApproachingRatio:
		return model.StatusApproaching
	default:
		return model.StatusNormal
	}
}

// Payback 价差回本测算
// 价差 >= 0 直接有利；费率差 <= 0 无法回本；否则期数 = |价差%| / 费率差%
func (e *RateEngine) Payback(pair *model.BestArbitragePair) *model.Payback {
	if pair == nil || pair.PriceDiffPercent == nil {
		return nil
	}
	pd := *pair.PriceDiffPercent
	if pd >= 0 {
		return &model.Payback{Kind: model.PaybackFavorable}
	}
	if pair.SpreadPercent <= 0 {
		return &model.Payback{Kind: model.PaybackImpossible}
	}
	periods := math.Abs(pd) / pair.SpreadPercent
	if periods <= e.cfg.PaybackMaxPeriods {
		return &model.Payback{Kind: model.PaybackNeeded, Periods: periods}
	}
	return &model.Payback{Kind: model.PaybackTooMany, Periods: periods}
}

// Evaluate 计算单个币种的完整 MarketRate
func (e *RateEngine) Evaluate(symbol string, exchanges map[model.ExchangeID]model.RateData, now time.Time) model.MarketRate {
	pair := e.BestPair(exchanges)
	return model.MarketRate{
		Symbol:    symbol,
		Basis:     e.cfg.Basis,
		Exchanges: exchanges,
		BestPair:  pair,
		Status:    e.Classify(pair),
		Payback:   e.Payback(pair),
		UpdatedAt: now,
	}
}

// EvaluateAt 以指定周期计算（不改变引擎默认周期）
func (e *RateEngine) EvaluateAt(symbol string, exchanges map[model.ExchangeID]model.RateData, basis model.TimeBasis, now time.Time) model.MarketRate {
	cfg := e.cfg
	cfg.Basis = basis
	return NewRateEngine(cfg).Evaluate(symbol, exchanges, now)
}
