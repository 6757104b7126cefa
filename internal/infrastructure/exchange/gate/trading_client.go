package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/exchange"
)

// maxTextLen 自定义订单号（含 "t-" 前缀）最长 28 字符
const maxTextLen = 28

// TradingClient Gate USDT 永续交易客户端（单向持仓）
// size 为带符号的张数：正数买入，负数卖出
type TradingClient struct {
	*APIClient
	public    *exchange.RESTClient
	contracts *exchange.ContractSizes
}

// NewTradingClient 创建交易客户端
func NewTradingClient(opts exchange.Options, cred model.Credential) (*TradingClient, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("gate: apiKey and apiSecret cannot be empty")
	}
	public := exchange.NewRESTClient(model.ExchangeGate, restURL(opts), opts.RateLimitRPS)
	return &TradingClient{
		APIClient: newAPIClient(cred, opts),
		public:    public,
		contracts: newContractSizes(public),
	}, nil
}

func (c *TradingClient) Exchange() model.ExchangeID { return model.ExchangeGate }

// SetLeverage 设置杠杆
func (c *TradingClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("leverage", strconv.Itoa(leverage))
	path := futuresPath("/positions/" + exchange.Underscore.ToExchange(symbol) + "/leverage")
	if _, err := c.signedRequest(ctx, http.MethodPost, path, params, nil); err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}
	return nil
}

// orderText 转换为 Gate 自定义订单号 t-xxx
func orderText(clientOrderID string) string {
	id := strings.TrimPrefix(clientOrderID, "t-")
	if len(id) > maxTextLen-2 {
		id = id[:maxTextLen-2]
	}
	return "t-" + id
}

type orderReq struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	Price      string `json:"price"`
	Tif        string `json:"tif"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
	Text       string `json:"text,omitempty"`
}

// OrderResp 订单
type OrderResp struct {
	ID         int64        `json:"id"`
	Contract   string       `json:"contract"`
	Text       string       `json:"text"`
	Size       int64        `json:"size"`
	Left       int64        `json:"left"`
	FillPrice  exchange.Num `json:"fill_price"`
	Status     string       `json:"status"`
	FinishAs   string       `json:"finish_as"`
	ReduceOnly bool         `json:"is_reduce_only"`
}

// signedContracts 带方向的张数
func (c *TradingClient) signedContracts(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal) (int64, error) {
	n, err := c.contracts.ToContracts(ctx, symbol, qty)
	if err != nil {
		return 0, err
	}
	size := n.IntPart()
	if side == model.SideSell {
		size = -size
	}
	return size, nil
}

// PlaceOrder 下单；市价单为 price=0 + IOC
func (c *TradingClient) PlaceOrder(ctx context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID("fa")
	}
	size, err := c.signedContracts(ctx, req.Symbol, req.Side, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	body := orderReq{
		Contract:   exchange.Underscore.ToExchange(req.Symbol),
		Size:       size,
		Price:      "0",
		Tif:        "ioc",
		ReduceOnly: req.ReduceOnly,
		Text:       orderText(req.ClientOrderID),
	}
	if !req.Price.IsZero() {
		body.Price = req.Price.String()
		body.Tif = "gtc"
	}

	place := func(ctx context.Context) (*port.OrderResult, error) {
		raw, err := c.signedRequest(ctx, http.MethodPost, futuresPath("/orders"), nil, body)
		if err != nil {
			return nil, err
		}
		return c.parseOrder(ctx, req.Symbol, raw)
	}
	lookup := func(ctx context.Context) (*port.OrderResult, error) {
		return c.GetOrder(ctx, req.Symbol, "", body.Text)
	}

	res, err := exchange.PlaceOnce(ctx, model.ExchangeGate, body.Text, place, lookup)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	log.Info().
		Str("exchange", "gate").
		Str("symbol", body.Contract).
		Int64("size", body.Size).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")
	return res, nil
}

func (c *TradingClient) parseOrder(ctx context.Context, symbol string, raw []byte) (*port.OrderResult, error) {
	var o OrderResp
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("parse order response failed: %w", err)
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("order failed: %s", string(raw))
	}
	filledContracts := absInt(o.Size) - absInt(o.Left)
	filled, err := c.contracts.FromContracts(ctx, symbol, decimal.NewFromInt(filledContracts))
	if err != nil {
		return nil, err
	}
	return &port.OrderResult{
		OrderID:       strconv.FormatInt(o.ID, 10),
		ClientOrderID: o.Text,
		Status:        orderStatus(o.Status, o.FinishAs, filledContracts),
		FilledQty:     filled,
		AvgPrice:      o.FillPrice.Decimal,
	}, nil
}

// GetOrder 按订单号或 t-xxx 自定义订单号查询
func (c *TradingClient) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*port.OrderResult, error) {
	id := orderID
	if id == "" {
		id = orderText(clientOrderID)
	}
	raw, err := c.signedRequest(ctx, http.MethodGet, futuresPath("/orders/"+id), nil, nil)
	if err != nil {
		if hasLabel(err, labelOrderNotFound) {
			return nil, port.ErrOrderNotFound
		}
		return nil, err
	}
	return c.parseOrder(ctx, symbol, raw)
}

// ClosePosition 市价 reduceOnly 平仓
func (c *TradingClient) ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*port.OrderResult, error) {
	return c.PlaceOrder(ctx, port.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseSide(),
		PositionSide: side,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

type accountResp struct {
	Total     string `json:"total"`
	Available string `json:"available"`
	Currency  string `json:"currency"`
}

func (c *APIClient) fetchAccount(ctx context.Context) (*model.BalanceUpdate, error) {
	raw, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, futuresPath("/accounts"), nil, nil)
	})
	if err != nil {
		return nil, err
	}
	var a accountResp
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("parse account failed: %w", err)
	}
	return &model.BalanceUpdate{Asset: model.DefaultQuote, Total: exchange.Dec(a.Total), Available: exchange.Dec(a.Available)}, nil
}

// GetBalance 合约账户余额
func (c *TradingClient) GetBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	b, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	return b, nil
}

// GetMarkPrice 标记价格（合约详情）
func (c *TradingClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ct, err := getContract(ctx, c.public, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price failed: %w", err)
	}
	c.contracts.Set(symbol, exchange.Dec(ct.QuantoMultiplier))
	return exchange.Dec(ct.MarkPrice), nil
}

// PositionResp 持仓
type PositionResp struct {
	Contract      string       `json:"contract"`
	Size          int64        `json:"size"`
	EntryPrice    exchange.Num `json:"entry_price"`
	MarkPrice     exchange.Num `json:"mark_price"`
	UnrealisedPnl exchange.Num `json:"unrealised_pnl"`
	Leverage      exchange.Num `json:"leverage"`
	LiqPrice      exchange.Num `json:"liq_price"`
	Mode          string       `json:"mode"`
}

func (p PositionResp) toUpdate(ctx context.Context, contracts *exchange.ContractSizes) (model.PositionUpdate, error) {
	symbol := exchange.Underscore.FromExchange(p.Contract)
	size, err := contracts.FromContracts(ctx, symbol, decimal.NewFromInt(absInt(p.Size)))
	if err != nil {
		return model.PositionUpdate{}, err
	}
	upd := model.PositionUpdate{
		Symbol:           symbol,
		Size:             size,
		EntryPrice:       p.EntryPrice.Decimal,
		MarkPrice:        p.MarkPrice.Decimal,
		UnrealizedPnl:    p.UnrealisedPnl.Decimal,
		Leverage:         int(p.Leverage.IntPart()),
		LiquidationPrice: p.LiqPrice.Decimal,
	}
	switch {
	case p.Mode == "dual_long" || p.Size > 0:
		upd.Side = model.PositionLong
	case p.Mode == "dual_short" || p.Size < 0:
		upd.Side = model.PositionShort
	}
	return upd, nil
}

// GetPositions 当前非零持仓
func (c *TradingClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	raw, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, futuresPath("/positions"), nil, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	var rows []PositionResp
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse positions failed: %w", err)
	}
	out := make([]model.PositionUpdate, 0, len(rows))
	for _, r := range rows {
		if r.Size == 0 {
			continue
		}
		upd, err := r.toUpdate(ctx, c.contracts)
		if err != nil {
			return nil, err
		}
		out = append(out, upd)
	}
	return out, nil
}

// 触发规则
const (
	ruleGTE = 1 // 价格 >= 触发价
	ruleLTE = 2 // 价格 <= 触发价
)

type priceOrderReq struct {
	Initial struct {
		Contract   string `json:"contract"`
		Size       int64  `json:"size"`
		Price      string `json:"price"`
		Tif        string `json:"tif"`
		ReduceOnly bool   `json:"reduce_only"`
		Text       string `json:"text,omitempty"`
	} `json:"initial"`
	Trigger struct {
		StrategyType int    `json:"strategy_type"`
		PriceType    int    `json:"price_type"`
		Price        string `json:"price"`
		Rule         int    `json:"rule"`
	} `json:"trigger"`
	OrderType string `json:"order_type,omitempty"`
}

// PlaceConditionalOrder 止损/止盈：标记价格触发，市价 reduceOnly 平仓
func (c *TradingClient) PlaceConditionalOrder(ctx context.Context, req port.ConditionalRequest) (string, error) {
	size, err := c.signedContracts(ctx, req.Symbol, req.PositionSide.CloseSide(), req.Quantity)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var body priceOrderReq
	body.Initial.Contract = exchange.Underscore.ToExchange(req.Symbol)
	body.Initial.Size = size
	body.Initial.Price = "0"
	body.Initial.Tif = "ioc"
	body.Initial.ReduceOnly = true
	body.Trigger.PriceType = 1
	body.Trigger.Price = req.TriggerPrice.String()
	body.Trigger.Rule = triggerRule(req.PositionSide, req.Kind)
	body.OrderType = "plan-close-" + string(req.PositionSide) + "-position"

	raw, err := c.signedRequest(ctx, http.MethodPost, futuresPath("/price_orders"), nil, body)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ID == 0 {
		return "", fmt.Errorf("parse price order response failed: %s", string(raw))
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

// triggerRule 多头止损/空头止盈为价格下穿，其余为上穿
func triggerRule(side model.PositionSide, kind model.ConditionalKind) int {
	down := kind == model.ConditionalStopLoss
	if side == model.PositionShort {
		down = !down
	}
	if down {
		return ruleLTE
	}
	return ruleGTE
}

type priceOrderResp struct {
	ID      int64 `json:"id"`
	Initial struct {
		Contract string `json:"contract"`
		Size     int64  `json:"size"`
	} `json:"initial"`
	Trigger struct {
		Price string `json:"price"`
	} `json:"trigger"`
	OrderType string `json:"order_type"`
}

// ListConditionalOrders 挂着的触发单
// Gate 不标注止盈/止损，按同方向触发价排序并参考持仓均价推断
func (c *TradingClient) ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error) {
	params := url.Values{}
	params.Set("status", "open")
	params.Set("contract", exchange.Underscore.ToExchange(symbol))
	raw, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, futuresPath("/price_orders"), params, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("list price orders failed: %w", err)
	}
	var rows []priceOrderResp
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse price orders failed: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	orders := make([]model.ConditionalOrder, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, model.ConditionalOrder{
			OrderID:      strconv.FormatInt(r.ID, 10),
			Symbol:       exchange.Underscore.FromExchange(r.Initial.Contract),
			PositionSide: conditionalSide(r.OrderType, r.Initial.Size),
			TriggerPrice: exchange.Dec(r.Trigger.Price),
		})
	}

	reference := make(map[model.PositionSide]decimal.Decimal)
	if positions, err := c.GetPositions(ctx); err == nil {
		target := model.NormalizeSymbol(symbol)
		for _, p := range positions {
			if p.Symbol == target {
				reference[p.Side] = p.EntryPrice
			}
		}
	} else {
		log.Warn().Str("exchange", "gate").Err(err).Msg("positions unavailable for conditional classification")
	}
	return service.ClassifyConditionalOrders(orders, reference), nil
}

// conditionalSide 平多为卖出（size<0）
func conditionalSide(orderType string, size int64) model.PositionSide {
	switch {
	case strings.Contains(orderType, "close-long"):
		return model.PositionLong
	case strings.Contains(orderType, "close-short"):
		return model.PositionShort
	case size > 0:
		return model.PositionShort
	}
	return model.PositionLong
}

func orderStatus(status, finishAs string, filledContracts int64) model.OrderStatus {
	if status == "open" {
		if filledContracts > 0 {
			return model.OrderPartiallyFilled
		}
		return model.OrderNew
	}
	switch finishAs {
	case "filled", "liquidated":
		return model.OrderFilled
	case "cancelled", "ioc", "reduce_only", "position_closed", "reduce_out", "stp", "auto_deleveraged":
		if filledContracts > 0 {
			return model.OrderPartiallyFilled
		}
		return model.OrderCanceled
	}
	return model.OrderUnknown
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
