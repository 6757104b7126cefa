package mexc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/exchange"
)

// 订单方向
const (
	sideOpenLong   = 1
	sideCloseShort = 2
	sideOpenShort  = 3
	sideCloseLong  = 4
)

// 订单类型
const (
	orderTypeLimit  = 1
	orderTypeMarket = 5
)

// openTypeCross 全仓
const openTypeCross = 2

// 订单状态
const (
	stateUninformed  = 1
	stateUncompleted = 2
	stateCompleted   = 3
	stateCancelled   = 4
	stateInvalid     = 5
)

// maxExternalOidLen 自定义订单号长度上限
const maxExternalOidLen = 32

// TradingClient MEXC USDT 永续交易客户端
// vol 为张数，方向编码为 1 开多 / 2 平空 / 3 开空 / 4 平多
type TradingClient struct {
	*APIClient
	public    *exchange.RESTClient
	contracts *exchange.ContractSizes
}

// NewTradingClient 创建交易客户端
func NewTradingClient(opts exchange.Options, cred model.Credential) (*TradingClient, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("mexc: apiKey and apiSecret cannot be empty")
	}
	public := exchange.NewRESTClient(model.ExchangeMEXC, restURL(opts), opts.RateLimitRPS)
	return &TradingClient{
		APIClient: newAPIClient(cred, opts),
		public:    public,
		contracts: newContractSizes(public),
	}, nil
}

func (c *TradingClient) Exchange() model.ExchangeID { return model.ExchangeMEXC }

// SetLeverage 多空分别设置（全仓）
func (c *TradingClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	for _, positionType := range []int{1, 2} {
		body := map[string]any{
			"symbol":       exchange.Underscore.ToExchange(symbol),
			"leverage":     leverage,
			"openType":     openTypeCross,
			"positionType": positionType,
		}
		if _, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/private/position/change_leverage", nil, body); err != nil {
			return fmt.Errorf("set leverage failed: %w", err)
		}
	}
	return nil
}

// orderSide 方向编码；未指定持仓方向时 reduceOnly 决定开平
func orderSide(req port.OrderRequest) int {
	side := req.PositionSide
	if side == "" {
		side = model.PositionLong
		if (req.Side == model.SideSell) != req.ReduceOnly {
			side = model.PositionShort
		}
	}
	closing := req.Side == side.CloseSide()
	switch {
	case side == model.PositionLong && !closing:
		return sideOpenLong
	case side == model.PositionLong:
		return sideCloseLong
	case !closing:
		return sideOpenShort
	}
	return sideCloseShort
}

// orderReq 数值字段按 JSON 数字发送
type orderReq struct {
	Symbol      string          `json:"symbol"`
	Price       jsoniter.Number `json:"price"`
	Vol         jsoniter.Number `json:"vol"`
	Side        int             `json:"side"`
	Type        int             `json:"type"`
	OpenType    int             `json:"openType"`
	ExternalOid string          `json:"externalOid,omitempty"`
	ReduceOnly  bool            `json:"reduceOnly,omitempty"`
}

// PlaceOrder 下单后按订单号查询成交
func (c *TradingClient) PlaceOrder(ctx context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = exchange.NewClientOrderID("fa")
	}
	if len(req.ClientOrderID) > maxExternalOidLen {
		req.ClientOrderID = req.ClientOrderID[:maxExternalOidLen]
	}
	vol, err := c.contracts.ToContracts(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	body := orderReq{
		Symbol:      exchange.Underscore.ToExchange(req.Symbol),
		Price:       jsoniter.Number(req.Price.String()),
		Vol:         jsoniter.Number(vol.String()),
		Side:        orderSide(req),
		Type:        orderTypeMarket,
		OpenType:    openTypeCross,
		ExternalOid: req.ClientOrderID,
		ReduceOnly:  req.ReduceOnly,
	}
	if !req.Price.IsZero() {
		body.Type = orderTypeLimit
	}

	place := func(ctx context.Context) (*port.OrderResult, error) {
		data, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/private/order/submit", nil, body)
		if err != nil {
			return nil, err
		}
		var orderID jsoniter.Number
		if err := json.Unmarshal(data, &orderID); err != nil || orderID == "" {
			return nil, fmt.Errorf("order failed: %s", string(data))
		}
		return c.GetOrder(ctx, req.Symbol, orderID.String(), "")
	}
	lookup := func(ctx context.Context) (*port.OrderResult, error) {
		return c.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
	}

	res, err := exchange.PlaceOnce(ctx, model.ExchangeMEXC, req.ClientOrderID, place, lookup)
	if err != nil {
		return nil, fmt.Errorf("place order failed: %w", err)
	}
	log.Info().
		Str("exchange", "mexc").
		Str("symbol", body.Symbol).
		Int("side", body.Side).
		Str("vol", vol.String()).
		Str("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("order placed")
	return res, nil
}

// orderResp 订单（REST 与 WS 推送共用）
type orderResp struct {
	OrderID      jsoniter.Number `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Vol          exchange.Num    `json:"vol"`
	DealVol      exchange.Num    `json:"dealVol"`
	DealAvgPrice exchange.Num    `json:"dealAvgPrice"`
	Side         int             `json:"side"`
	State        int             `json:"state"`
	ExternalOid  string          `json:"externalOid"`
	TakerFee     exchange.Num    `json:"takerFee"`
	MakerFee     exchange.Num    `json:"makerFee"`
}

func (o orderResp) update(ctx context.Context, contracts *exchange.ContractSizes) (*model.OrderUpdate, error) {
	symbol := exchange.Underscore.FromExchange(o.Symbol)
	qty, err := contracts.FromContracts(ctx, symbol, o.Vol.Decimal)
	if err != nil {
		return nil, err
	}
	filled, err := contracts.FromContracts(ctx, symbol, o.DealVol.Decimal)
	if err != nil {
		return nil, err
	}
	side := model.SideBuy
	if o.Side == sideOpenShort || o.Side == sideCloseLong {
		side = model.SideSell
	}
	return &model.OrderUpdate{
		Symbol:        symbol,
		OrderID:       o.OrderID.String(),
		ClientOrderID: o.ExternalOid,
		Side:          side,
		Status:        orderStatus(o.State, o.DealVol.Decimal),
		Quantity:      qty,
		FilledQty:     filled,
		AvgPrice:      o.DealAvgPrice.Decimal,
		ReduceOnly:    o.Side == sideCloseLong || o.Side == sideCloseShort,
	}, nil
}

// GetOrder 按订单号或 externalOid 查询
func (c *TradingClient) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*port.OrderResult, error) {
	path := "/api/v1/private/order/get/" + url.PathEscape(orderID)
	if orderID == "" {
		path = "/api/v1/private/order/external/" + exchange.Underscore.ToExchange(symbol) + "/" + url.PathEscape(clientOrderID)
	}
	data, err := c.signedRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if hasCode(err, codeOrderNotExist) {
			return nil, port.ErrOrderNotFound
		}
		return nil, err
	}
	if string(exchange.BytesTrimSpace(data)) == "null" || len(data) == 0 {
		return nil, port.ErrOrderNotFound
	}
	var o orderResp
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse order failed: %w", err)
	}
	upd, err := o.update(ctx, c.contracts)
	if err != nil {
		return nil, err
	}
	return &port.OrderResult{
		OrderID:       upd.OrderID,
		ClientOrderID: upd.ClientOrderID,
		Status:        upd.Status,
		FilledQty:     upd.FilledQty,
		AvgPrice:      upd.AvgPrice,
		Fee:           o.TakerFee.Add(o.MakerFee.Decimal).Abs(),
	}, nil
}

// ClosePosition 市价平仓
func (c *TradingClient) ClosePosition(ctx context.Context, symbol string, side model.PositionSide, quantity decimal.Decimal) (*port.OrderResult, error) {
	return c.PlaceOrder(ctx, port.OrderRequest{
		Symbol:       symbol,
		Side:         side.CloseSide(),
		PositionSide: side,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

type assetResp struct {
	Currency         string       `json:"currency"`
	Equity           exchange.Num `json:"equity"`
	AvailableBalance exchange.Num `json:"availableBalance"`
	CashBalance      exchange.Num `json:"cashBalance"`
}

func (a assetResp) update() *model.BalanceUpdate {
	total := a.Equity.Decimal
	if total.IsZero() {
		total = a.CashBalance.Decimal
	}
	return &model.BalanceUpdate{Asset: model.DefaultQuote, Total: total, Available: a.AvailableBalance.Decimal}
}

func (c *APIClient) fetchAsset(ctx context.Context) (*model.BalanceUpdate, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/api/v1/private/account/asset/"+model.DefaultQuote, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	var a assetResp
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse asset failed: %w", err)
	}
	return a.update(), nil
}

// GetBalance USDT 资产
func (c *TradingClient) GetBalance(ctx context.Context) (*model.BalanceUpdate, error) {
	b, err := c.fetchAsset(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance failed: %w", err)
	}
	return b, nil
}

// GetMarkPrice 合理价格（即标记价格）
func (c *TradingClient) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return publicGet(ctx, c.public, "/api/v1/contract/fair_price/"+exchange.Underscore.ToExchange(symbol), nil)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price failed: %w", err)
	}
	var r struct {
		FairPrice exchange.Num `json:"fairPrice"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price failed: %w", err)
	}
	return r.FairPrice.Decimal, nil
}

// positionResp 持仓（REST 与 WS 推送共用）
type positionResp struct {
	Symbol         string       `json:"symbol"`
	PositionType   int          `json:"positionType"`
	HoldVol        exchange.Num `json:"holdVol"`
	HoldAvgPrice   exchange.Num `json:"holdAvgPrice"`
	LiquidatePrice exchange.Num `json:"liquidatePrice"`
	Leverage       int          `json:"leverage"`
	State          int          `json:"state"`
}

func (p positionResp) update(ctx context.Context, contracts *exchange.ContractSizes) (model.PositionUpdate, error) {
	symbol := exchange.Underscore.FromExchange(p.Symbol)
	size, err := contracts.FromContracts(ctx, symbol, p.HoldVol.Decimal)
	if err != nil {
		return model.PositionUpdate{}, err
	}
	upd := model.PositionUpdate{
		Symbol:           symbol,
		Size:             size,
		EntryPrice:       p.HoldAvgPrice.Decimal,
		Leverage:         p.Leverage,
		LiquidationPrice: p.LiquidatePrice.Decimal,
	}
	switch p.PositionType {
	case 1:
		upd.Side = model.PositionLong
	case 2:
		upd.Side = model.PositionShort
	}
	// state 3 = 已平仓
	if p.State == 3 {
		upd.Size = decimal.Zero
	}
	return upd, nil
}

// GetPositions 当前持仓
func (c *TradingClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/api/v1/private/position/open_positions", nil, nil)
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
		if r.HoldVol.IsZero() {
			continue
		}
		upd, err := r.update(ctx, c.contracts)
		if err != nil {
			return nil, err
		}
		out = append(out, upd)
	}
	return out, nil
}

// 计划单触发方向
const (
	triggerGTE = 1
	triggerLTE = 2
)

// trendFairPrice 按合理价格触发
const trendFairPrice = 2

type planOrderReq struct {
	Symbol       string          `json:"symbol"`
	Vol          jsoniter.Number `json:"vol"`
	Side         int             `json:"side"`
	OpenType     int             `json:"openType"`
	TriggerPrice jsoniter.Number `json:"triggerPrice"`
	TriggerType  int             `json:"triggerType"`
	ExecuteCycle int             `json:"executeCycle"`
	OrderType    int             `json:"orderType"`
	Trend        int             `json:"trend"`
}

// PlaceConditionalOrder 止损/止盈计划单：合理价格触发，市价平仓
func (c *TradingClient) PlaceConditionalOrder(ctx context.Context, req port.ConditionalRequest) (string, error) {
	vol, err := c.contracts.ToContracts(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	side := sideCloseLong
	if req.PositionSide == model.PositionShort {
		side = sideCloseShort
	}
	body := planOrderReq{
		Symbol:       exchange.Underscore.ToExchange(req.Symbol),
		Vol:          jsoniter.Number(vol.String()),
		Side:         side,
		OpenType:     openTypeCross,
		TriggerPrice: jsoniter.Number(req.TriggerPrice.String()),
		TriggerType:  triggerType(req.PositionSide, req.Kind),
		ExecuteCycle: 3, // 7 天
		OrderType:    orderTypeMarket,
		Trend:        trendFairPrice,
	}
	data, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/private/planorder/place", nil, body)
	if err != nil {
		return "", fmt.Errorf("place %s failed: %w", req.Kind, err)
	}
	var id jsoniter.Number
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		return "", fmt.Errorf("parse plan order response failed: %s", string(data))
	}
	return id.String(), nil
}

// triggerType 多头止损/空头止盈为价格下穿
func triggerType(side model.PositionSide, kind model.ConditionalKind) int {
	down := kind == model.ConditionalStopLoss
	if side == model.PositionShort {
		down = !down
	}
	if down {
		return triggerLTE
	}
	return triggerGTE
}

type planOrderResp struct {
	ID           jsoniter.Number `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         int             `json:"side"`
	TriggerPrice exchange.Num    `json:"triggerPrice"`
}

// ListConditionalOrders 未触发的计划单
// 计划单不区分止盈/止损，参考持仓均价推断
func (c *TradingClient) ListConditionalOrders(ctx context.Context, symbol string) ([]model.ConditionalOrder, error) {
	params := url.Values{}
	params.Set("symbol", exchange.Underscore.ToExchange(symbol))
	params.Set("states", "1")
	data, err := exchange.RetryRead(ctx, exchange.DefaultReadAttempts, exchange.DefaultReadBackoff, func(ctx context.Context) ([]byte, error) {
		return c.signedRequest(ctx, http.MethodGet, "/api/v1/private/planorder/list/orders", params, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("list plan orders failed: %w", err)
	}
	var rows []planOrderResp
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse plan orders failed: %w", err)
	}

	var orders []model.ConditionalOrder
	for _, r := range rows {
		var side model.PositionSide
		switch r.Side {
		case sideCloseLong:
			side = model.PositionLong
		case sideCloseShort:
			side = model.PositionShort
		default:
			continue
		}
		orders = append(orders, model.ConditionalOrder{
			OrderID:      r.ID.String(),
			Symbol:       exchange.Underscore.FromExchange(r.Symbol),
			PositionSide: side,
			TriggerPrice: r.TriggerPrice.Decimal,
		})
	}
	if len(orders) == 0 {
		return nil, nil
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
		log.Warn().Str("exchange", "mexc").Err(err).Msg("positions unavailable for conditional classification")
	}
	return service.ClassifyConditionalOrders(orders, reference), nil
}

func orderStatus(state int, dealVol decimal.Decimal) model.OrderStatus {
	switch state {
	case stateUninformed, stateUncompleted:
		if dealVol.IsPositive() {
			return model.OrderPartiallyFilled
		}
		return model.OrderNew
	case stateCompleted:
		return model.OrderFilled
	case stateCancelled:
		if dealVol.IsPositive() {
			return model.OrderPartiallyFilled
		}
		return model.OrderCanceled
	case stateInvalid:
		return model.OrderRejected
	}
	return model.OrderUnknown
}
