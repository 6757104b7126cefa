package okx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// fetchConcurrency 逐个查询时的并发上限
const fetchConcurrency = 5

// FundingRateClient OKX 资金费率 REST 客户端
type FundingRateClient struct {
	rest *exchange.RESTClient
}

// FundingRateResp public/funding-rate 响应项
type FundingRateResp struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

// NewFundingRateClient 创建 OKX 资金费率客户端
func NewFundingRateClient(opts exchange.Options) *FundingRateClient {
	return &FundingRateClient{rest: exchange.NewRESTClient(model.ExchangeOKX, restURL(opts), opts.RateLimitRPS)}
}

func (c *FundingRateClient) Exchange() model.ExchangeID { return model.ExchangeOKX }

// FetchFundingRates symbols 为空时用 instId=ANY 一次取回全部，否则逐个查询
func (c *FundingRateClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	if len(symbols) == 0 {
		return c.fetch(ctx, "ANY")
	}

	var (
		mu  sync.Mutex
		out = make([]model.NormalizedFundingRate, 0, len(symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, s := range symbols {
		instID := exchange.DashSwap.ToExchange(s)
		if instID == "" {
			continue
		}
		g.Go(func() error {
			rates, err := c.fetch(gctx, instID)
			if err != nil {
				// 单个合约失败（如未上线）不影响其它
				log.Warn().Str("exchange", "okx").Str("symbol", instID).Err(err).Msg("funding rate fetch failed")
				return nil
			}
			mu.Lock()
			out = append(out, rates...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FundingRateClient) fetch(ctx context.Context, instID string) ([]model.NormalizedFundingRate, error) {
	params := url.Values{}
	params.Set("instId", instID)
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.rest, "/api/v5/public/funding-rate", params)
	})
	if err != nil {
		return nil, fmt.Errorf("okx funding rate: %w", err)
	}
	var rows []FundingRateResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse funding rate: %w", err)
	}

	now := time.Now()
	out := make([]model.NormalizedFundingRate, 0, len(rows))
	for _, r := range rows {
		// 只处理 USDT 本位永续
		symbol := exchange.DashSwap.FromExchange(r.InstID)
		if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote {
			continue
		}
		ft, _ := strconv.ParseInt(r.FundingTime, 10, 64)
		nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
		out = append(out, model.NormalizedFundingRate{
			Exchange:        model.ExchangeOKX,
			Symbol:          symbol,
			FundingRate:     exchange.Dec(r.FundingRate),
			IntervalHours:   intervalHours(ft, nft),
			NextFundingTime: exchange.MillisTime(ft),
			ReceivedAt:      now,
		})
	}
	return out, nil
}

// intervalHours 由本期与下期结算时间推算周期，无法推算时按 8 小时
func intervalHours(fundingTime, nextFundingTime int64) int {
	if fundingTime <= 0 || nextFundingTime <= fundingTime {
		return 8
	}
	h := int(time.Duration(nextFundingTime-fundingTime) * time.Millisecond / time.Hour)
	if h <= 0 {
		return 8
	}
	return h
}
