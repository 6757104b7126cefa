package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/metrics"
)

// FundingRateSyncer 资金费率同步器：轮询各交易所，按币种合并后交给费率引擎
// 挂了推送流时，比轮询结果更新的推送值会覆盖到合并结果上
type FundingRateSyncer struct {
	sources  []port.FundingSource
	streams  []port.FundingStream
	symbols  []string
	want     map[string]struct{}
	engine   *domain.RateEngine
	interval time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	latest []model.MarketRate

	pushMu sync.RWMutex
	pushed map[fundingKey]model.NormalizedFundingRate
}

type fundingKey struct {
	exchange model.ExchangeID
	symbol   string
}

// NewFundingRateSyncer 创建资金费率同步器
func NewFundingRateSyncer(sources []port.FundingSource, symbols []string, engine *domain.RateEngine, interval time.Duration) *FundingRateSyncer {
	if interval <= 0 {
		interval = time.Minute
	}
	norm := make([]string, 0, len(symbols))
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if n := model.NormalizeSymbol(s); n != "" {
			norm = append(norm, n)
			want[n] = struct{}{}
		}
	}
	return &FundingRateSyncer{
		sources:  sources,
		symbols:  norm,
		want:     want,
		engine:   engine,
		interval: interval,
		now:      time.Now,
		pushed:   make(map[fundingKey]model.NormalizedFundingRate),
	}
}

// WithStreams 挂接资金费率推送流，Start 时订阅
func (s *FundingRateSyncer) WithStreams(streams ...port.FundingStream) *FundingRateSyncer {
	s.streams = append(s.streams, streams...)
	return s
}

// Start 启动后台同步任务，首次立即同步
func (s *FundingRateSyncer) Start(ctx context.Context) <-chan []model.MarketRate {
	out := make(chan []model.MarketRate, 1)
	for _, st := range s.streams {
		go s.runStream(ctx, st)
	}
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			batch := s.Sync(ctx)
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// Sync 拉取一次全部交易所并计算每个币种的 MarketRate
// 单个交易所失败只记录日志，不影响其他交易所
func (s *FundingRateSyncer) Sync(ctx context.Context) []model.MarketRate {
	log.Debug().Int("sources", len(s.sources)).Msg("syncing funding rates")

	results := make([][]model.NormalizedFundingRate, len(s.sources))
	var g errgroup.Group
	for i, src := range s.sources {
		i, src := i, src
		g.Go(func() error {
			rates, err := src.FetchFundingRates(ctx, s.symbols)
			if err != nil {
				metrics.FundingFetchErrors.WithLabelValues(string(src.Exchange())).Inc()
				log.Warn().Str("exchange", string(src.Exchange())).Err(err).Msg("failed to get funding rates")
				return nil
			}
			results[i] = rates
			return nil
		})
	}
	_ = g.Wait()

	if extra := s.overlay(results); len(extra) > 0 {
		results = append(results, extra)
	}
	merged := Merge(s.symbols, results...)
	now := s.now()
	batch := make([]model.MarketRate, 0, len(merged))
	for _, sym := range s.symbols {
		exchanges, ok := merged[sym]
		if !ok {
			continue
		}
		batch = append(batch, s.engine.Evaluate(sym, exchanges, now))
	}

	s.mu.Lock()
	s.latest = batch
	s.mu.Unlock()
	return batch
}

// runStream 订阅失败只记录日志，该交易所继续走轮询
func (s *FundingRateSyncer) runStream(ctx context.Context, st port.FundingStream) {
	defer st.Close()
	if err := st.Subscribe(ctx, s.symbols); err != nil {
		log.Warn().Str("exchange", string(st.Exchange())).Err(err).Msg("funding stream unavailable, polling only")
		return
	}
	log.Info().Str("exchange", string(st.Exchange())).Int("symbols", len(s.symbols)).Msg("✓ funding stream subscribed")
	events := st.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Str("exchange", string(st.Exchange())).Msg("funding stream closed")
				return
			}
			if ev.Kind == model.EventError && ev.Err != nil {
				log.Warn().Str("exchange", string(ev.Exchange)).Err(ev.Err).Msg("funding stream error")
				continue
			}
			s.Apply(ev)
		}
	}
}

// Apply 记录一条推送的资金费率，非 EventFundingRateReceived 或未关注的币种返回 false
// 推送缺少结算周期时沿用上一条推送的周期
func (s *FundingRateSyncer) Apply(ev model.Event) bool {
	if ev.Kind != model.EventFundingRateReceived || ev.Funding == nil {
		return false
	}
	r := *ev.Funding
	r.Symbol = model.NormalizeSymbol(r.Symbol)
	if _, ok := s.want[r.Symbol]; len(s.want) > 0 && !ok {
		return false
	}
	if r.Exchange == "" {
		r.Exchange = ev.Exchange
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = ev.ReceivedAt
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.now()
	}
	k := fundingKey{exchange: r.Exchange, symbol: r.Symbol}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if prev, ok := s.pushed[k]; ok && r.IntervalHours == 0 {
		r.IntervalHours = prev.IntervalHours
	}
	s.pushed[k] = r
	return true
}

// overlay 挑出比轮询结果更新的推送值；缺失的周期、标记价格、下次结算时间从轮询结果补齐
func (s *FundingRateSyncer) overlay(sets [][]model.NormalizedFundingRate) []model.NormalizedFundingRate {
	s.pushMu.RLock()
	defer s.pushMu.RUnlock()
	if len(s.pushed) == 0 {
		return nil
	}
	polled := make(map[fundingKey]model.NormalizedFundingRate)
	for _, set := range sets {
		for _, r := range set {
			polled[fundingKey{exchange: r.Exchange, symbol: model.NormalizeSymbol(r.Symbol)}] = r
		}
	}

	out := make([]model.NormalizedFundingRate, 0, len(s.pushed))
	for k, p := range s.pushed {
		base, ok := polled[k]
		if ok && base.ReceivedAt.After(p.ReceivedAt) {
			continue
		}
		if ok {
			if p.IntervalHours == 0 {
				p.IntervalHours = base.IntervalHours
			}
			if p.MarkPrice.IsZero() {
				p.MarkPrice = base.MarkPrice
			}
			if p.NextFundingTime == nil {
				p.NextFundingTime = base.NextFundingTime
			}
		}
		out = append(out, p)
	}
	return out
}

// Latest 最近一次同步结果
func (s *FundingRateSyncer) Latest() []model.MarketRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MarketRate, len(s.latest))
	copy(out, s.latest)
	return out
}

// Merge 按币种合并多个交易所的费率；symbols 为空时保留全部币种
func Merge(symbols []string, sets ...[]model.NormalizedFundingRate) map[string]map[model.ExchangeID]model.RateData {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make(map[string]map[model.ExchangeID]model.RateData)
	for _, set := range sets {
		for _, r := range set {
			sym := model.NormalizeSymbol(r.Symbol)
			if _, ok := want[sym]; len(want) > 0 && !ok {
				continue
			}
			if out[sym] == nil {
				out[sym] = make(map[model.ExchangeID]model.RateData)
			}
			out[sym][r.Exchange] = model.FromNormalized(r)
		}
	}
	return out
}

// SortByReturn 按年化收益从高到低排序
func SortByReturn(rates []model.MarketRate) {
	sort.SliceStable(rates, func(i, j int) bool {
		return annualized(rates[i]) > annualized(rates[j])
	})
}

func annualized(r model.MarketRate) float64 {
	if r.BestPair == nil {
		return -1
	}
	return r.BestPair.AnnualizedReturn
}
