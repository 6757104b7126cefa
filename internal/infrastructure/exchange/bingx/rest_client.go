package bingx

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// defaultIntervalHours premiumIndex 不返回结算周期
const defaultIntervalHours = 8

// FundingRateClient BingX 资金费率 REST 客户端
type FundingRateClient struct {
	rest *exchange.RESTClient
}

// NewFundingRateClient 创建 BingX 资金费率客户端
func NewFundingRateClient(opts exchange.Options) *FundingRateClient {
	return &FundingRateClient{rest: exchange.NewRESTClient(model.ExchangeBingX, restURL(opts), opts.RateLimitRPS)}
}

func (c *FundingRateClient) Exchange() model.ExchangeID { return model.ExchangeBingX }

// FetchFundingRates 不带 symbol 时 premiumIndex 返回全部合约
func (c *FundingRateClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.rest, "/openApi/swap/v2/quote/premiumIndex", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("bingx premium index: %w", err)
	}
	var rows []premiumIndex
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse premium index: %w", err)
	}

	allow := exchange.NewSymbolSet(symbols)
	now := time.Now()
	out := make([]model.NormalizedFundingRate, 0, len(rows))
	for _, r := range rows {
		symbol := exchange.Dash.FromExchange(r.Symbol)
		if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote || !allow.Allow(symbol) {
			continue
		}
		out = append(out, model.NormalizedFundingRate{
			Exchange:        model.ExchangeBingX,
			Symbol:          symbol,
			FundingRate:     r.LastFundingRate.Decimal,
			MarkPrice:       r.MarkPrice.Decimal,
			IntervalHours:   defaultIntervalHours,
			NextFundingTime: exchange.MillisTime(r.NextFundingTime),
			ReceivedAt:      now,
		})
	}
	return out, nil
}
