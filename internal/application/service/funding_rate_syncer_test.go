package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
)

type fakeSource struct {
	ex    model.ExchangeID
	rates map[string]string
	at    time.Time
	err   error
}

func (s fakeSource) Exchange() model.ExchangeID { return s.ex }

func (s fakeSource) FetchFundingRates(_ context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.NormalizedFundingRate
	for sym, r := range s.rates {
		out = append(out, model.NormalizedFundingRate{
			Exchange:      s.ex,
			Symbol:        sym,
			FundingRate:   decimal.RequireFromString(r),
			MarkPrice:     decimal.NewFromInt(100),
			IntervalHours: 8,
			ReceivedAt:    s.at,
		})
	}
	return out, nil
}

func TestFundingRateSyncerSync(t *testing.T) {
	sources := []port.FundingSource{
		fakeSource{ex: model.ExchangeBinance, rates: map[string]string{"BTCUSDT": "0.0001", "ETHUSDT": "0.0001", "DOGEUSDT": "0.5"}},
		fakeSource{ex: model.ExchangeOKX, rates: map[string]string{"BTCUSDT": "0.01", "ETHUSDT": "0.0002"}},
		fakeSource{ex: model.ExchangeGate, err: errors.New("timeout")},
	}
	s := NewFundingRateSyncer(sources, []string{"eth", "BTC"}, domain.NewRateEngine(domain.RateEngineConfig{}), 0)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	batch := s.Sync(context.Background())
	if len(batch) != 2 || batch[0].Symbol != "ETHUSDT" || batch[1].Symbol != "BTCUSDT" {
		t.Fatalf("batch = %+v", batch)
	}
	btc := batch[1]
	if len(btc.Exchanges) != 2 || btc.BestPair == nil {
		t.Fatalf("btc = %+v", btc)
	}
	if btc.BestPair.LongExchange != model.ExchangeBinance || btc.BestPair.ShortExchange != model.ExchangeOKX {
		t.Fatalf("pair = %+v", btc.BestPair)
	}
	if btc.Status != model.StatusOpportunity {
		t.Fatalf("status = %s", btc.Status)
	}
	if batch[0].Status != model.StatusNormal {
		t.Fatalf("eth status = %s", batch[0].Status)
	}

	latest := s.Latest()
	if len(latest) != 2 {
		t.Fatalf("latest = %+v", latest)
	}
	SortByReturn(latest)
	if latest[0].Symbol != "BTCUSDT" {
		t.Fatalf("sorted = %s first", latest[0].Symbol)
	}
}

func TestFundingRateSyncerStart(t *testing.T) {
	src := fakeSource{ex: model.ExchangeBinance, rates: map[string]string{"BTCUSDT": "0.0001"}}
	s := NewFundingRateSyncer([]port.FundingSource{src}, []string{"BTC"}, domain.NewRateEngine(domain.RateEngineConfig{}), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	out := s.Start(ctx)

	select {
	case batch := <-out:
		if len(batch) != 1 || batch[0].BestPair != nil {
			t.Fatalf("batch = %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial sync")
	}
	cancel()
	for range out {
	}
}

func TestMergeKeepsAllSymbolsWithoutFilter(t *testing.T) {
	merged := Merge(nil,
		[]model.NormalizedFundingRate{{Exchange: model.ExchangeBinance, Symbol: "btc", FundingRate: decimal.NewFromFloat(0.001)}},
		[]model.NormalizedFundingRate{{Exchange: model.ExchangeMEXC, Symbol: "BTC_USDT", FundingRate: decimal.NewFromFloat(0.002)}},
	)
	if len(merged) != 1 || len(merged["BTCUSDT"]) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
}

func pushedFunding(ex model.ExchangeID, symbol, rate string, at time.Time) model.Event {
	return model.Event{Kind: model.EventFundingRateReceived, Exchange: ex, ReceivedAt: at, Funding: &model.NormalizedFundingRate{
		Exchange:    ex,
		Symbol:      symbol,
		FundingRate: decimal.RequireFromString(rate),
	}}
}

func TestFundingRateSyncerOverlaysPushedRates(t *testing.T) {
	polledAt := time.Unix(1_700_000_000, 0)
	sources := []port.FundingSource{
		fakeSource{ex: model.ExchangeBinance, rates: map[string]string{"BTCUSDT": "0.0001"}, at: polledAt},
		fakeSource{ex: model.ExchangeOKX, rates: map[string]string{"BTCUSDT": "0.0002"}, at: polledAt},
	}
	s := NewFundingRateSyncer(sources, []string{"BTC"}, domain.NewRateEngine(domain.RateEngineConfig{}), 0)

	if !s.Apply(pushedFunding(model.ExchangeBinance, "btcusdt", "0.003", polledAt.Add(time.Second))) {
		t.Fatalf("binance push not applied")
	}
	// 比轮询结果旧的推送不生效
	if !s.Apply(pushedFunding(model.ExchangeOKX, "BTCUSDT", "0.5", polledAt.Add(-time.Second))) {
		t.Fatalf("okx push not applied")
	}
	if s.Apply(pushedFunding(model.ExchangeBinance, "DOGEUSDT", "0.1", polledAt)) {
		t.Fatalf("unwatched symbol applied")
	}
	if s.Apply(model.Event{Kind: model.EventPositionChanged}) {
		t.Fatalf("non funding event applied")
	}

	batch := s.Sync(context.Background())
	if len(batch) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	bn := batch[0].Exchanges[model.ExchangeBinance]
	if bn.FundingRate != 0.003 || bn.Interval != 8 || bn.Price != 100 {
		t.Fatalf("binance = %+v, want pushed rate with polled interval and price", bn)
	}
	if okx := batch[0].Exchanges[model.ExchangeOKX]; okx.FundingRate != 0.0002 {
		t.Fatalf("okx = %+v, want polled rate", okx)
	}
}

func TestFundingRateSyncerKeepsPushedInterval(t *testing.T) {
	s := NewFundingRateSyncer(nil, []string{"BTC"}, domain.NewRateEngine(domain.RateEngineConfig{}), 0)
	at := time.Unix(1_700_000_000, 0)
	first := pushedFunding(model.ExchangeOKX, "BTCUSDT", "0.001", at)
	first.Funding.IntervalHours = 4
	s.Apply(first)
	s.Apply(pushedFunding(model.ExchangeOKX, "BTCUSDT", "0.002", at.Add(time.Second)))

	batch := s.Sync(context.Background())
	if len(batch) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if got := batch[0].Exchanges[model.ExchangeOKX]; got.FundingRate != 0.002 || got.Interval != 4 {
		t.Fatalf("okx = %+v", got)
	}
}

type fakeFundingStream struct {
	ex     model.ExchangeID
	events chan model.Event

	mu      sync.Mutex
	symbols []string
	closed  bool
}

func (f *fakeFundingStream) Exchange() model.ExchangeID { return f.ex }

func (f *fakeFundingStream) Subscribe(_ context.Context, symbols []string) error {
	f.mu.Lock()
	f.symbols = symbols
	f.mu.Unlock()
	return nil
}

func (f *fakeFundingStream) Events() <-chan model.Event { return f.events }

func (f *fakeFundingStream) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestFundingRateSyncerStartConsumesStreams(t *testing.T) {
	st := &fakeFundingStream{ex: model.ExchangeBinance, events: make(chan model.Event, 4)}
	s := NewFundingRateSyncer(nil, []string{"BTC"}, domain.NewRateEngine(domain.RateEngineConfig{}), time.Hour).WithStreams(st)

	ctx, cancel := context.WithCancel(context.Background())
	out := s.Start(ctx)
	<-out

	st.events <- model.Event{Kind: model.EventError, Err: errors.New("boom")}
	st.events <- pushedFunding(model.ExchangeBinance, "BTCUSDT", "0.001", time.Now())

	k := fundingKey{exchange: model.ExchangeBinance, symbol: "BTCUSDT"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.pushMu.RLock()
		_, ok := s.pushed[k]
		s.pushMu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pushed rate not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if batch := s.Sync(ctx); len(batch) != 1 || batch[0].Exchanges[model.ExchangeBinance].FundingRate != 0.001 {
		t.Fatalf("batch = %+v", batch)
	}

	cancel()
	for range out {
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		st.mu.Lock()
		closed, symbols := st.closed, st.symbols
		st.mu.Unlock()
		if closed {
			if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
				t.Fatalf("subscribed = %v", symbols)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream not closed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
