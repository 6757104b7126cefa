package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// PerpetualClient Binance U 本位合约交易客户端
// 每次调用前确认账户类型，统一账户时自动切换到 papi 客户端
type PerpetualClient struct {
	cred   model.Credential
	opts   exchange.Options
	public *exchange.RESTClient

	mu   sync.Mutex
	api  *APIClient
	mode exchange.AccountMode
}

// NewPerpetualClient 创建交易客户端
func NewPerpetualClient(opts exchange.Options, cred model.Credential) (*PerpetualClient, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("binance: apiKey and apiSecret cannot be empty")
	}
	return &PerpetualClient{
		cred:   cred,
		opts:   opts,
		public: exchange.NewRESTClient(model.ExchangeBinance, restURL(opts), opts.RateLimitRPS),
	}, nil
}

func (c *PerpetualClient) Exchange() model.ExchangeID { return model.ExchangeBinance }

// client 返回与当前账户类型匹配的签名客户端，类型变化时重建
func (c *PerpetualClient) client(ctx context.Context) (*APIClient, error) {
	mode, err := resolveMode(ctx, c.cred, c.opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || c.mode != mode {
		if c.api != nil {
			log.Info().
				Str("exchange", "binance").
				Str("from", string(c.mode)).
				Str("to", string(mode)).
				Msg("account mode changed, recreating client")
		}
		c.api = newClientForMode(c.cred, c.opts, mode)
		c.mode = mode
	}
	return c.api, nil
}

// SetLeverage 设置杠杆
func (c *PerpetualClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", exchange.Concat.ToExchange(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err = api.signedRequest(ctx, http.MethodPost, api.path("/fapi/v1/leverage", "/papi/v1/um/leverage"), params)
	if err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}
	return nil
}

// PlaceOrder 下单
func (c *PerpetualClient) PlaceOrder(ctx context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID("fa")
	}
	symbol := exchange.Concat.ToExchange(req.Symbol)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.Price.IsZero() {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	place := func(ctx context.Context) (*port.OrderResult, error) {
		body, err := api.signedRequest(ctx, http.MethodPost, api.path("/fapi/v1/order", "/papi/v1/um/order"), params)
		if err != nil {
			return nil, err
		}
		return parseOrder(body)
	}
	lookup := func(ctx context.Context) (*port.OrderResult, error) {
		return c.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
	}

	res, err := exchange.PlaceOnce(ctx, model.ExchangeBinance, req.ClientOrderID, place, lookup)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}

	log.Info().
		Str("exchange", "binance").
		Str("symbol", symbol).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")
	return res, nil
}

// GetOrder 查询订单
func (c *PerpetualClient) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*port.OrderResult, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", exchange.Concat.ToExchange(symbol))
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	body, err := api.signedRequest(ctx, http.MethodGet, api.path("/fapi/v1/order", "/papi/v1/um/order"), params)
	if err != nil {
		if hasCode(err, codeUnknownOrder) {
			return nil, port.ErrOrderNotFound
		}
		return nil, err
	}
	return parseOrder(body)
}

// ClosePosition 市价 reduceOnly 平仓
func (c *PerpetualClient) ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*port.OrderResult, error) {
	return c.PlaceOrder(ctx, port.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseSide(),
		PositionSide: side,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

// GetBalance USDT 余额
func (c *PerpetualClient) GetBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return api.signedRequest(ctx, http.MethodGet, api.path("/fapi/v2/balance", "/papi/v1/balance"), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}

	var rows []BalanceResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse balance failed: %w", err)
	}
	for _, r := range rows {
		if r.Asset != model.DefaultQuote {
			continue
		}
		if api.portfolio {
			return &model.BalanceUpdate{Asset: r.Asset, Total: exchange.Dec(r.TotalWalletBalance), Available: exchange.Dec(r.CrossMarginFree)}, nil
		}
		return &model.BalanceUpdate{Asset: r.Asset, Total: exchange.Dec(r.Balance), Available: exchange.Dec(r.AvailableBalance)}, nil
	}
	return &model.BalanceUpdate{Asset: model.DefaultQuote}, nil
}

// GetMarkPrice 标记价格（公共接口）
func (c *PerpetualClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", exchange.Concat.ToExchange(symbol))
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.public.Get(ctx, "/fapi/v1/premiumIndex", params)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price failed: %w", decodeError(err))
	}
	var r PremiumIndexResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price failed: %w", err)
	}
	return exchange.Dec(r.MarkPrice), nil
}

// GetPositions 当前非零持仓
func (c *PerpetualClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return api.signedRequest(ctx, http.MethodGet, api.path("/fapi/v2/positionRisk", "/papi/v1/um/positionRisk"), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var rows []PositionRiskResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}

	out := make([]model.PositionUpdate, 0, len(rows))
	for _, r := range rows {
		amt := exchange.Dec(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, model.PositionUpdate{
			Symbol:           exchange.Concat.FromExchange(r.Symbol),
			Side:             positionSide(r.PositionSide, amt),
			Size:             amt.Abs(),
			EntryPrice:       exchange.Dec(r.EntryPrice),
			MarkPrice:        exchange.Dec(r.MarkPrice),
			UnrealizedPnl:    exchange.Dec(r.UnRealizedProfit),
			Leverage:         lev,
			LiquidationPrice: exchange.Dec(r.LiquidationPrice),
		})
	}
	return out, nil
}

// PlaceConditionalOrder 止损/止盈（按标记价格触发，整仓平）
func (c *PerpetualClient) PlaceConditionalOrder(ctx context.Context, req port.ConditionalRequest) (string, error) {
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}
	orderType := "STOP_MARKET"
	if req.Kind == model.ConditionalTakeProfit {
		orderType = "TAKE_PROFIT_MARKET"
	}

	params := url.Values{}
	params.Set("symbol", exchange.Concat.ToExchange(req.Symbol))
	params.Set("side", string(req.PositionSide.CloseSide()))
	params.Set("stopPrice", req.TriggerPrice.String())
	params.Set("workingType", "MARK_PRICE")

	path := "/fapi/v1/order"
	if api.portfolio {
		path = "/papi/v1/um/conditional/order"
		params.Set("strategyType", orderType)
		params.Set("quantity", req.Quantity.String())
		params.Set("reduceOnly", "true")
	} else {
		params.Set("type", orderType)
		params.Set("closePosition", "true")
	}

	body, err := api.signedRequest(ctx, http.MethodPost, path, params)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse conditional response failed: %w", err)
	}
	if resp.StrategyID != 0 {
		return strconv.FormatInt(resp.StrategyID, 10), nil
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// ListConditionalOrders 当前挂着的止损/止盈单
func (c *PerpetualClient) ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", exchange.Concat.ToExchange(symbol))
	body, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return api.signedRequest(ctx, http.MethodGet, api.path("/fapi/v1/openOrders", "/papi/v1/um/conditional/openOrders"), params)
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders failed: %w", err)
	}
	var rows []OrderResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse open orders failed: %w", err)
	}

	var out []model.ConditionalOrder
	for _, r := range rows {
		typ := r.Type
		if r.StrategyType != "" {
			typ = r.StrategyType
		}
		var kind model.ConditionalKind
		switch typ {
		case "STOP_MARKET", "STOP":
			kind = model.ConditionalStopLoss
		case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
			kind = model.ConditionalTakeProfit
		default:
			continue
		}
		id := r.OrderID
		if r.StrategyID != 0 {
			id = r.StrategyID
		}
		// 平多单是 SELL
		side := model.PositionLong
		if model.Side(r.Side) == model.SideBuy {
			side = model.PositionShort
		}
		out = append(out, model.ConditionalOrder{
			OrderID:      strconv.FormatInt(id, 10),
			Symbol:       exchange.Concat.FromExchange(r.Symbol),
			PositionSide: side,
			TriggerPrice: exchange.Dec(r.StopPrice),
			Kind:         kind,
		})
	}
	return out, nil
}

func parseOrder(body []byte) (*port.OrderResult, error) {
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response failed: %w", err)
	}
	if resp.OrderID == 0 {
		return nil, fmt.Errorf("order failed: %s", string(body))
	}
	return &port.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        orderStatus(resp.Status),
		FilledQty:     exchange.Dec(resp.ExecutedQty),
		AvgPrice:      exchange.Dec(resp.AvgPrice),
	}, nil
}

func orderStatus(s string) model.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return model.OrderNew
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED":
		return model.OrderCanceled
	case "REJECTED":
		return model.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderExpired
	}
	return model.OrderUnknown
}

// positionSide 单向持仓模式下按数量符号判断方向
func positionSide(ps string, amt decimal.Decimal) model.PositionSide {
	switch strings.ToUpper(ps) {
	case "LONG":
		return model.PositionLong
	case "SHORT":
		return model.PositionShort
	}
	if amt.IsNegative() {
		return model.PositionShort
	}
	return model.PositionLong
}

// ===== Response Models =====

// OrderResponse 订单响应（标准与统一账户条件单共用）
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	StrategyID    int64  `json:"strategyId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	StrategyType  string `json:"strategyType"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// BalanceResponse 余额
type BalanceResponse struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	AvailableBalance   string `json:"availableBalance"`
	TotalWalletBalance string `json:"totalWalletBalance"` // 统一账户
	CrossMarginFree    string `json:"crossMarginFree"`    // 统一账户
}

// PositionRiskResponse 持仓风险
type PositionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
}

// PremiumIndexResponse 标记价格与资金费率
type PremiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}
