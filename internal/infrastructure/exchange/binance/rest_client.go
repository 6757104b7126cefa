package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// defaultIntervalHours fundingInfo 只列出调整过周期的合约，其余为 8 小时
const defaultIntervalHours = 8

// FundingRateClient Binance 资金费率 REST 客户端
type FundingRateClient struct {
	rest *exchange.RESTClient
}

// FundingInfoResp 结算周期
type FundingInfoResp struct {
	Symbol                   string `json:"symbol"`
	FundingIntervalHours     int    `json:"fundingIntervalHours"`
	AdjustedFundingRateCap   string `json:"adjustedFundingRateCap"`
	AdjustedFundingRateFloor string `json:"adjustedFundingRateFloor"`
}

// NewFundingRateClient 创建 Binance 资金费率客户端
func NewFundingRateClient(opts exchange.Options) *FundingRateClient {
	return &FundingRateClient{rest: exchange.NewRESTClient(model.ExchangeBinance, restURL(opts), opts.RateLimitRPS)}
}

func (c *FundingRateClient) Exchange() model.ExchangeID { return model.ExchangeBinance }

// FetchFundingRates 批量获取资金费率，symbols 为空时返回全部
func (c *FundingRateClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	var premiums []PremiumIndexResponse
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.rest.Get(ctx, "/fapi/v1/premiumIndex", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("binance premium index: %w", err)
	}
	if err := json.Unmarshal(body, &premiums); err != nil {
		return nil, fmt.Errorf("parse premium index: %w", err)
	}

	intervals := c.fundingIntervals(ctx)
	filter := exchange.NewSymbolSet(symbols)
	now := time.Now()

	out := make([]model.NormalizedFundingRate, 0, len(premiums))
	for _, p := range premiums {
		symbol := exchange.Concat.FromExchange(p.Symbol)
		if !filter.Allow(symbol) {
			continue
		}
		interval, ok := intervals[p.Symbol]
		if !ok {
			interval = defaultIntervalHours
		}
		out = append(out, model.NormalizedFundingRate{
			Exchange:        model.ExchangeBinance,
			Symbol:          symbol,
			FundingRate:     exchange.Dec(p.LastFundingRate),
			MarkPrice:       exchange.Dec(p.MarkPrice),
			IntervalHours:   interval,
			NextFundingTime: exchange.MillisTime(p.NextFundingTime),
			ReceivedAt:      now,
		})
	}
	return out, nil
}

// fundingIntervals 失败时返回空表，全部按默认周期处理
func (c *FundingRateClient) fundingIntervals(ctx context.Context) map[string]int {
	out := make(map[string]int)
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.rest.Get(ctx, "/fapi/v1/fundingInfo", nil)
	})
	if err != nil {
		log.Warn().Str("exchange", "binance").Err(err).Msg("funding info unavailable, assuming 8h")
		return out
	}
	var rows []FundingInfoResp
	if err := json.Unmarshal(body, &rows); err != nil {
		log.Warn().Str("exchange", "binance").Err(err).Msg("parse funding info failed")
		return out
	}
	for _, r := range rows {
		if r.FundingIntervalHours > 0 {
			out[r.Symbol] = r.FundingIntervalHours
		}
	}
	return out
}
