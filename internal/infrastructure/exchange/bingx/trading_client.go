package bingx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// TradingClient BingX 永续交易客户端
// 账户按双向持仓（BingX 默认）处理：平仓是反向下单 + 同一 positionSide，数量以币计
type TradingClient struct {
	*APIClient
	public *exchange.RESTClient
}

// NewTradingClient 创建交易客户端
func NewTradingClient(opts exchange.Options, cred model.Credential) (*TradingClient, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("bingx: apiKey and apiSecret cannot be empty")
	}
	return &TradingClient{
		APIClient: newAPIClient(cred, opts),
		public:    exchange.NewRESTClient(model.ExchangeBingX, restURL(opts), opts.RateLimitRPS),
	}, nil
}

func (c *TradingClient) Exchange() model.ExchangeID { return model.ExchangeBingX }

// SetLeverage 双向持仓下多空分别设置
func (c *TradingClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	for _, side := range []string{"LONG", "SHORT"} {
		params := url.Values{}
		params.Set("symbol", exchange.Dash.ToExchange(symbol))
		params.Set("side", side)
		params.Set("leverage", strconv.Itoa(leverage))
		if _, err := c.signedRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params); err != nil {
			return fmt.Errorf("set leverage failed: %w", err)
		}
	}
	return nil
}

// wirePositionSide 未指定时开仓方向由买卖方向决定
func wirePositionSide(req port.OrderRequest) string {
	switch req.PositionSide {
	case model.PositionLong:
		return "LONG"
	case model.PositionShort:
		return "SHORT"
	}
	if req.Side == model.SideBuy {
		return "LONG"
	}
	return "SHORT"
}

// PlaceOrder 下单
func (c *TradingClient) PlaceOrder(ctx context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID("fa")
	}
	symbol := exchange.Dash.ToExchange(req.Symbol)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(req.Side))
	params.Set("positionSide", wirePositionSide(req))
	params.Set("quantity", req.Quantity.String())
	params.Set("clientOrderID", req.ClientOrderID)
	if req.Price.IsZero() {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}

	place := func(ctx context.Context) (*port.OrderResult, error) {
		data, err := c.signedRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", cloneValues(params))
		if err != nil {
			return nil, err
		}
		var resp struct {
			Order orderResp `json:"order"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("parse order response failed: %w", err)
		}
		if resp.Order.OrderID.String() == "" {
			return nil, fmt.Errorf("order failed: %s", string(data))
		}
		// 下单响应不带成交信息
		return c.GetOrder(ctx, req.Symbol, resp.Order.OrderID.String(), "")
	}
	lookup := func(ctx context.Context) (*port.OrderResult, error) {
		return c.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
	}

	res, err := exchange.PlaceOnce(ctx, model.ExchangeBingX, req.ClientOrderID, place, lookup)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	log.Info().
		Str("exchange", "bingx").
		Str("symbol", symbol).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")
	return res, nil
}

// cloneValues 每次提交重新签名，不能复用已带 timestamp 的参数
func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// orderResp 订单；orderId 可能是数字也可能是字符串
type orderResp struct {
	Symbol        string          `json:"symbol"`
	OrderID       jsoniter.Number `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"positionSide"`
	Type          string          `json:"type"`
	OrigQty       exchange.Num    `json:"origQty"`
	ExecutedQty   exchange.Num    `json:"executedQty"`
	AvgPrice      exchange.Num    `json:"avgPrice"`
	StopPrice     exchange.Num    `json:"stopPrice"`
	Status        string          `json:"status"`
	Commission    exchange.Num    `json:"commission"`
}

func (o orderResp) result() *port.OrderResult {
	return &port.OrderResult{
		OrderID:       o.OrderID.String(),
		ClientOrderID: o.ClientOrderID,
		Status:        orderStatus(o.Status),
		FilledQty:     o.ExecutedQty.Decimal,
		AvgPrice:      o.AvgPrice.Decimal,
		Fee:           o.Commission.Abs(),
	}
}

// GetOrder 按 orderId 或 clientOrderID 查询
func (c *TradingClient) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*port.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", exchange.Dash.ToExchange(symbol))
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("clientOrderID", clientOrderID)
	}
	data, err := c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		if hasCode(err, codeOrderNotExist, codeOrderNotExistV2) {
			return nil, port.ErrOrderNotFound
		}
		return nil, err
	}
	var resp struct {
		Order orderResp `json:"order"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse order failed: %w", err)
	}
	if resp.Order.OrderID.String() == "" {
		return nil, port.ErrOrderNotFound
	}
	return resp.Order.result(), nil
}

// ClosePosition 反向市价单平仓
func (c *TradingClient) ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*port.OrderResult, error) {
	return c.PlaceOrder(ctx, port.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseSide(),
		PositionSide: side,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

type balanceResp struct {
	Balance struct {
		Asset           string       `json:"asset"`
		Balance         exchange.Num `json:"balance"`
		Equity          exchange.Num `json:"equity"`
		AvailableMargin exchange.Num `json:"availableMargin"`
	} `json:"balance"`
}

func (c *APIClient) fetchBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil)
	})
	if err != nil {
		return nil, err
	}
	var b balanceResp
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse balance failed: %w", err)
	}
	return &model.BalanceUpdate{
		Asset:     model.DefaultQuote,
		Total:     b.Balance.Balance.Decimal,
		Available: b.Balance.AvailableMargin.Decimal,
	}, nil
}

// GetBalance USDT 余额
func (c *TradingClient) GetBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	b, err := c.fetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	return b, nil
}

// premiumIndex 标记价格与资金费率
type premiumIndex struct {
	Symbol          string       `json:"symbol"`
	MarkPrice       exchange.Num `json:"markPrice"`
	LastFundingRate exchange.Num `json:"lastFundingRate"`
	NextFundingTime int64        `json:"nextFundingTime"`
}

// GetMarkPrice 标记价格（公共接口）
func (c *TradingClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", exchange.Dash.ToExchange(symbol))
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.public, "/openApi/swap/v2/quote/premiumIndex", params)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price failed: %w", err)
	}
	var p premiumIndex
	if err := json.Unmarshal(data, &p); err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price failed: %w", err)
	}
	return p.MarkPrice.Decimal, nil
}

type positionResp struct {
	Symbol           string       `json:"symbol"`
	PositionSide     string       `json:"positionSide"`
	PositionAmt      exchange.Num `json:"positionAmt"`
	AvgPrice         exchange.Num `json:"avgPrice"`
	MarkPrice        exchange.Num `json:"markPrice"`
	Leverage         exchange.Num `json:"leverage"`
	UnrealizedProfit exchange.Num `json:"unrealizedProfit"`
	LiquidationPrice exchange.Num `json:"liquidationPrice"`
}

// GetPositions 当前非零持仓
func (c *TradingClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var rows []positionResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}
	out := make([]model.PositionUpdate, 0, len(rows))
	for _, r := range rows {
		if r.PositionAmt.IsZero() {
			continue
		}
		out = append(out, model.PositionUpdate{
			Symbol:           exchange.Dash.FromExchange(r.Symbol),
			Side:             positionSide(r.PositionSide, r.PositionAmt.Decimal),
			Size:             r.PositionAmt.Abs(),
			EntryPrice:       r.AvgPrice.Decimal,
			MarkPrice:        r.MarkPrice.Decimal,
			UnrealizedPnl:    r.UnrealizedProfit.Decimal,
			Leverage:         int(r.Leverage.IntPart()),
			LiquidationPrice: r.LiquidationPrice.Decimal,
		})
	}
	return out, nil
}

// PlaceConditionalOrder 止损/止盈：标记价格触发，市价平仓
func (c *TradingClient) PlaceConditionalOrder(ctx context.Context, req port.ConditionalRequest) (string, error) {
	orderType := "STOP_MARKET"
	if req.Kind == model.ConditionalTakeProfit {
		orderType = "TAKE_PROFIT_MARKET"
	}
	params := url.Values{}
	params.Set("symbol", exchange.Dash.ToExchange(req.Symbol))
	params.Set("side", string(req.PositionSide.CloseSide()))
	params.Set("positionSide", wirePositionSide(port.OrderRequest{PositionSide: req.PositionSide}))
	params.Set("type", orderType)
	params.Set("stopPrice", req.TriggerPrice.String())
	params.Set("quantity", req.Quantity.String())
	params.Set("workingType", "MARK_PRICE")

	data, err := c.signedRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var resp struct {
		Order orderResp `json:"order"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Order.OrderID.String() == "" {
		return "", fmt.Errorf("parse conditional response failed: %s", string(data))
	}
	return resp.Order.OrderID.String(), nil
}

// ListConditionalOrders 当前挂着的止损/止盈单
func (c *TradingClient) ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error) {
	params := url.Values{}
	params.Set("symbol", exchange.Dash.ToExchange(symbol))
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/trade/openOrders", cloneValues(params))
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders failed: %w", err)
	}
	var resp struct {
		Orders []orderResp `json:"orders"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse open orders failed: %w", err)
	}

	var out []model.ConditionalOrder
	for _, r := range resp.Orders {
		var kind model.ConditionalKind
		switch r.Type {
		case "STOP_MARKET", "STOP":
			kind = model.ConditionalStopLoss
		case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
			kind = model.ConditionalTakeProfit
		default:
			continue
		}
		out = append(out, model.ConditionalOrder{
			OrderID:      r.OrderID.String(),
			Symbol:       exchange.Dash.FromExchange(r.Symbol),
			PositionSide: positionSide(r.PositionSide, closeSign(r.Side)),
			TriggerPrice: r.StopPrice.Decimal,
			Kind:         kind,
		})
	}
	return out, nil
}

// closeSign 平仓单方向与持仓相反：卖出平多
func closeSign(side string) decimal.Decimal {
	if strings.EqualFold(side, "BUY") {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func orderStatus(s string) model.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING":
		return model.OrderNew
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED", "CANCELLED":
		return model.OrderCanceled
	case "FAILED":
		return model.OrderRejected
	case "EXPIRED":
		return model.OrderExpired
	}
	return model.OrderUnknown
}

// positionSide BOTH（单向持仓）时按数量符号判断
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
