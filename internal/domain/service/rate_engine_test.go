package service

import (
	"math"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

func scenarioRates() map[model.ExchangeID]model.RateData {
	return map[model.ExchangeID]model.RateData{
		model.ExchangeBinance: {FundingRate: 0.0001, Interval: 8},
		model.ExchangeOKX:     {FundingRate: 0.0083, Interval: 8},
	}
}

// TestRateEngineScenarioEightHours 8 小时周期下的典型机会
func TestRateEngineScenarioEightHours(t *testing.T) {
	engine := NewRateEngine(DefaultRateEngineConfig())
	mr := engine.Evaluate("BTCUSDT", scenarioRates(), time.Now())

	if mr.BestPair == nil {
		t.Fatalf("expected best pair")
	}
	if math.Abs(mr.BestPair.Spread-0.0082) > 1e-12 {
		t.Errorf("expected spread 0.0082, got %v", mr.BestPair.Spread)
	}
	if math.Abs(mr.BestPair.AnnualizedReturn-897.9) > 0.01 {
		t.Errorf("expected annualized ~897.9, got %v", mr.BestPair.AnnualizedReturn)
	}
	if mr.BestPair.LongExchange != model.ExchangeBinance || mr.BestPair.ShortExchange != model.ExchangeOKX {
		t.Errorf("unexpected legs long=%s short=%s", mr.BestPair.LongExchange, mr.BestPair.ShortExchange)
	}
	if mr.Status != model.StatusOpportunity {
		t.Errorf("expected opportunity, got %s", mr.Status)
	}
	if mr.BestPair.PriceDiffPercent != nil {
		t.Errorf("expected nil price diff without prices")
	}
}

// TestRateEngineScenarioOneHour 1 小时周期与 8 小时结果一致
func TestRateEngineScenarioOneHour(t *testing.T) {
	engine := NewRateEngine(DefaultRateEngineConfig())
	at8 := engine.EvaluateAt("BTCUSDT", scenarioRates(), model.Basis8h, time.Now())
	at1 := engine.EvaluateAt("BTCUSDT", scenarioRates(), model.Basis1h, time.Now())

	if math.Abs(at1.BestPair.LongRate-0.0000125) > 1e-12 {
		t.Errorf("expected binance normalized 0.0000125, got %v", at1.BestPair.LongRate)
	}
	if math.Abs(at1.BestPair.ShortRate-0.0010375) > 1e-12 {
		t.Errorf("expected okx normalized 0.0010375, got %v", at1.BestPair.ShortRate)
	}
	if math.Abs(at1.BestPair.AnnualizedReturn-at8.BestPair.AnnualizedReturn) >= 0.01 {
		t.Errorf("annualized mismatch: 1h=%v 8h=%v", at1.BestPair.AnnualizedReturn, at8.BestPair.AnnualizedReturn)
	}
}

// TestTimeBasisInvariance 不同换算周期的年化与状态一致（含混合原生周期）
func TestTimeBasisInvariance(t *testing.T) {
	cases := []map[model.ExchangeID]model.RateData{
		scenarioRates(),
		{
			model.ExchangeBinance: {FundingRate: 0.0003, Interval: 8},
			model.ExchangeGate:    {FundingRate: -0.0002, Interval: 4},
			model.ExchangeBingX:   {FundingRate: 0.00005, Interval: 1},
		},
		{
			model.ExchangeOKX:  {FundingRate: 0.0005, Interval: 8},
			model.ExchangeMEXC: {FundingRate: 0.0005, Interval: 8},
		},
		{
			model.ExchangeBinance: {FundingRate: 0.00021, Interval: 4},
			model.ExchangeOKX:     {FundingRate: 0.0001, Interval: 8},
		},
	}
	engine := NewRateEngine(DefaultRateEngineConfig())
	bases := []model.TimeBasis{model.Basis1h, model.Basis4h, model.Basis8h, model.Basis24h}
	for ci, rates := range cases {
		ref := engine.EvaluateAt("X", rates, model.Basis1h, time.Now())
		for _, b := range bases[1:] {
			got := engine.EvaluateAt("X", rates, b, time.Now())
			if math.Abs(got.BestPair.AnnualizedReturn-ref.BestPair.AnnualizedReturn) >= 0.01 {
				t.Errorf("case %d basis %d: annualized %v != %v", ci, b, got.BestPair.AnnualizedReturn, ref.BestPair.AnnualizedReturn)
			}
			if got.Status != ref.Status {
				t.Errorf("case %d basis %d: status %s != %s", ci, b, got.Status, ref.Status)
			}
		}
	}
}

// TestBestPairIsMaximum 选中组合的价差是所有组合中的最大值，且做多方费率更低
func TestBestPairIsMaximum(t *testing.T) {
	rates := map[model.ExchangeID]model.RateData{
		model.ExchangeBinance: {FundingRate: 0.0001, Interval: 8},
		model.ExchangeOKX:     {FundingRate: -0.0004, Interval: 8},
		model.ExchangeGate:    {FundingRate: 0.0002, Interval: 4},
		model.ExchangeBingX:   {FundingRate: 0.00001, Interval: 1},
		model.ExchangeMEXC:    {FundingRate: 0.0006, Interval: 8},
	}
	engine := NewRateEngine(DefaultRateEngineConfig())
	pair := engine.BestPair(rates)
	if pair == nil {
		t.Fatalf("expected pair")
	}

	ids := make([]model.ExchangeID, 0, len(rates))
	for id := range rates {
		ids = append(ids, id)
	}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			s := math.Abs(NormalizeRate(rates[ids[i]], model.Basis8h) - NormalizeRate(rates[ids[j]], model.Basis8h))
			if s > pair.Spread+1e-15 {
				t.Errorf("pair %s/%s spread %v exceeds selected %v", ids[i], ids[j], s, pair.Spread)
			}
		}
	}
	if pair.LongRate > pair.ShortRate {
		t.Errorf("long rate %v must not exceed short rate %v", pair.LongRate, pair.ShortRate)
	}
	if pair.LongExchange != model.ExchangeOKX || pair.ShortExchange != model.ExchangeMEXC {
		t.Errorf("unexpected pair %s/%s", pair.LongExchange, pair.ShortExchange)
	}
}

// TestBestPairTieBreak 价差相同时保留固定顺序中先出现的组合
func TestBestPairTieBreak(t *testing.T) {
	rates := map[model.ExchangeID]model.RateData{
		model.ExchangeMEXC:    {FundingRate: 0.0002, Interval: 8},
		model.ExchangeBingX:   {FundingRate: 0.0001, Interval: 8},
		model.ExchangeOKX:     {FundingRate: 0.0002, Interval: 8},
		model.ExchangeBinance: {FundingRate: 0.0001, Interval: 8},
	}
	engine := NewRateEngine(DefaultRateEngineConfig())
	for i := 0; i < 20; i++ {
		pair := engine.BestPair(rates)
		if pair.LongExchange != model.ExchangeBinance || pair.ShortExchange != model.ExchangeOKX {
			t.Fatalf("expected binance/okx, got %s/%s", pair.LongExchange, pair.ShortExchange)
		}
	}
}

// TestNormalizeRate 换算规则
func TestNormalizeRate(t *testing.T) {
	pre := 0.5
	tests := []struct {
		name string
		in   model.RateData
		b    model.TimeBasis
		want float64
	}{
		{"same interval", model.RateData{FundingRate: 0.001, Interval: 8}, model.Basis8h, 0.001},
		{"scale down", model.RateData{FundingRate: 0.008, Interval: 8}, model.Basis1h, 0.001},
		{"scale up", model.RateData{FundingRate: 0.001, Interval: 1}, model.Basis24h, 0.024},
		{"unknown interval", model.RateData{FundingRate: 0.003}, model.Basis4h, 0.003},
		{"precomputed", model.RateData{FundingRate: 0.008, Interval: 8, Normalized: &pre, NormalizedBasis: model.Basis1h}, model.Basis1h, 0.5},
		{"precomputed other basis", model.RateData{FundingRate: 0.008, Interval: 8, Normalized: &pre, NormalizedBasis: model.Basis4h}, model.Basis1h, 0.001},
	}
	for _, tt := range tests {
		got := NormalizeRate(tt.in, tt.b)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

// TestClassifyThresholds 阈值分类与可配置阈值
func TestClassifyThresholds(t *testing.T) {
	engine := NewRateEngine(RateEngineConfig{Basis: model.Basis8h, OpportunityThreshold: 100, ApproachingRatio: 0.5})
	cases := map[float64]model.MarketStatus{
		150: model.StatusOpportunity,
		100: model.StatusOpportunity,
		60:  model.StatusApproaching,
		50:  model.StatusApproaching,
		49:  model.StatusNormal,
	}
	for annual, want := range cases {
		got := engine.Classify(&model.BestArbitragePair{AnnualizedReturn: annual})
		if got != want {
			t.Errorf("annual %v: got %s want %s", annual, got, want)
		}
	}
	if engine.Classify(nil) != model.StatusNormal {
		t.Errorf("nil pair should be normal")
	}
}

// TestPayback 回本分类
func TestPayback(t *testing.T) {
	engine := NewRateEngine(DefaultRateEngineConfig())
	pd := func(v float64) *float64 { return &v }

	if p := engine.Payback(&model.BestArbitragePair{SpreadPercent: 0.1, PriceDiffPercent: pd(0.2)}); p.Kind != model.PaybackFavorable {
		t.Errorf("expected favorable, got %s", p.Kind)
	}
	if p := engine.Payback(&model.BestArbitragePair{SpreadPercent: 0, PriceDiffPercent: pd(-0.2)}); p.Kind != model.PaybackImpossible {
		t.Errorf("expected impossible, got %s", p.Kind)
	}
	p := engine.Payback(&model.BestArbitragePair{SpreadPercent: 0.1, PriceDiffPercent: pd(-0.5)})
	if p.Kind != model.PaybackNeeded || math.Abs(p.Periods-5) > 1e-9 {
		t.Errorf("expected payback_needed 5 periods, got %s %v", p.Kind, p.Periods)
	}
	if p := engine.Payback(&model.BestArbitragePair{SpreadPercent: 0.001, PriceDiffPercent: pd(-0.5)}); p.Kind != model.PaybackTooMany {
		t.Errorf("expected too_many, got %s", p.Kind)
	}
	if p := engine.Payback(&model.BestArbitragePair{SpreadPercent: 0.1}); p != nil {
		t.Errorf("expected nil payback without prices")
	}
}

// TestPriceDiffPercent 价差百分比
func TestPriceDiffPercent(t *testing.T) {
	rates := map[model.ExchangeID]model.RateData{
		model.ExchangeBinance: {FundingRate: 0.0001, Interval: 8, Price: 99},
		model.ExchangeOKX:     {FundingRate: 0.0005, Interval: 8, Price: 101},
	}
	pair := NewRateEngine(DefaultRateEngineConfig()).BestPair(rates)
	if pair.PriceDiffPercent == nil {
		t.Fatalf("expected price diff")
	}
	if math.Abs(*pair.PriceDiffPercent-2.0) > 1e-9 {
		t.Errorf("expected 2%%, got %v", *pair.PriceDiffPercent)
	}
}
