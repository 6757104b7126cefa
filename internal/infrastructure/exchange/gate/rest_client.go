package gate

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// FundingRateClient Gate 资金费率 REST 客户端
// 合约列表一次性返回费率、标记价格与结算周期
type FundingRateClient struct {
	rest *exchange.RESTClient
}

// NewFundingRateClient 创建 Gate 资金费率客户端
func NewFundingRateClient(opts exchange.Options) *FundingRateClient {
	return &FundingRateClient{rest: exchange.NewRESTClient(model.ExchangeGate, restURL(opts), opts.RateLimitRPS)}
}

func (c *FundingRateClient) Exchange() model.ExchangeID { return model.ExchangeGate }

// FetchFundingRates 拉取全部 USDT 永续；symbols 非空时只保留其中的合约
func (c *FundingRateClient) FetchFundingRates(ctx context.Context, symbols []string) ([]model.NormalizedFundingRate, error) {
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		b, err := c.rest.Get(ctx, futuresPath("/contracts"), nil)
		return b, decodeError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("gate contracts: %w", err)
	}
	var rows []ContractResp
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse contracts: %w", err)
	}

	allow := exchange.NewSymbolSet(symbols)
	now := time.Now()
	out := make([]model.NormalizedFundingRate, 0, len(rows))
	for _, r := range rows {
		if r.InDelisting {
			continue
		}
		symbol := exchange.Underscore.FromExchange(r.Name)
		if _, quote := model.SplitSymbol(symbol); quote != model.DefaultQuote || !allow.Allow(symbol) {
			continue
		}
		rate := model.NormalizedFundingRate{
			Exchange:      model.ExchangeGate,
			Symbol:        symbol,
			FundingRate:   exchange.Dec(r.FundingRate),
			MarkPrice:     exchange.Dec(r.MarkPrice),
			IntervalHours: fundingIntervalHours(r.FundingInterval),
			ReceivedAt:    now,
		}
		if r.FundingNextApply > 0 {
			next := time.Unix(r.FundingNextApply, 0)
			rate.NextFundingTime = &next
		}
		out = append(out, rate)
	}
	return out, nil
}

// fundingIntervalHours 秒转小时，缺省 8 小时
func fundingIntervalHours(sec int64) int {
	if h := int(sec / 3600); h > 0 {
		return h
	}
	return 8
}
