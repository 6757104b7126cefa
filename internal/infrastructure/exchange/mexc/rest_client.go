package mexc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// fetchConcurrency 逐个查询时的并发上限
const fetchConcurrency = 5

// FundingRateClient MEXC 资金费率 REST 客户端
type FundingRateClient struct {
	rest *exchange.RESTClient
}

// fundingRateResp contract/funding_rate 响应项；collectCycle 为结算周期（小时）
type fundingRateResp struct {
	Symbol         string       `json:"symbol"`
	FundingRate    exchange.Num `json:"fundingRate"`
	CollectCycle   int          `json:"collectCycle"`
	NextSettleTime int64        `json:"nextSettleTime"`
}

// NewFundingRateClient 创建 MEXC 资金费率客户端
func NewFundingRateClient(opts exchange.Options) *FundingRateClient {
	return &FundingRateClient{rest: exchange.NewRESTClient(model.ExchangeMEXC, restURL(opts), opts.RateLimitRPS)}
}

func (c *FundingRateClient) Exchange() model.ExchangeID { return model.ExchangeMEXC }

// FetchFundingRates symbols 为空时一次取回全部，否则逐个查询
func (c *FundingRateClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	if len(symbols) == 0 {
		var rows []fundingRateResp
		if err := c.get(ctx, "/api/v1/contract/funding_rate", &rows); err != nil {
			return nil, err
		}
		return normalize(rows), nil
	}

	var (
		mu   sync.Mutex
		rows = make([]fundingRateResp, 0, len(symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, s := range symbols {
		contract := exchange.Underscore.ToExchange(s)
		if contract == "" {
			continue
		}
		g.Go(func() error {
			var r fundingRateResp
			if err := c.get(gctx, "/api/v1/contract/funding_rate/"+contract, &r); err != nil {
				log.Warn().Str("exchange", "mexc").Str("symbol", contract).Err(err).Msg("funding rate fetch failed")
				return nil
			}
			mu.Lock()
			rows = append(rows, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return normalize(rows), nil
}

func (c *FundingRateClient) get(ctx context.Context, path string, out any) error {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.rest, path, nil)
	})
	if err != nil {
		return fmt.Errorf("mexc funding rate: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse funding rate: %w", err)
	}
	return nil
}

func normalize(rows []fundingRateResp) []model.NormalizedFundingRate {
	now := time.Now()
	out := make([]model.NormalizedFundingRate, 0, len(rows))
	for _, r := range rows {
		symbol := exchange.Underscore.FromExchange(r.Symbol)
		if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote {
			continue
		}
		interval := r.CollectCycle
		if interval <= 0 {
			interval = 8
		}
		out = append(out, model.NormalizedFundingRate{
			Exchange:        model.ExchangeMEXC,
			Symbol:          symbol,
			FundingRate:     r.FundingRate.Decimal,
			IntervalHours:   interval,
			NextFundingTime: exchange.MillisTime(r.NextSettleTime),
			ReceivedAt:      now,
		})
	}
	return out
}
